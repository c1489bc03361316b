package xsignal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	. "github.com/CyberFlameGO/kwik/xsignal"
)

func TestNotifierSignal(t *testing.T) {
	n := NewNotifier()

	w := n.Wait()
	n.Signal()

	select {
	case <-w:
	default:
		t.Fail()
	}
}

func TestNotifierFreshWaitBlocksUntilNextSignal(t *testing.T) {
	n := NewNotifier()

	n.Signal()
	w := n.Wait()

	select {
	case <-w:
		t.Fail()
	default:
	}

	n.Signal()
	select {
	case <-w:
	default:
		t.Fail()
	}
}

func TestNotifierBroadcastsToAllWaiters(t *testing.T) {
	n := NewNotifier()
	w1 := n.Wait()
	w2 := n.Wait()
	n.Signal()

	for _, w := range []<-chan struct{}{w1, w2} {
		select {
		case <-w:
		default:
			assert.Fail(t, "waiter not woken")
		}
	}
}
