package lessons

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/NetPo4ki/scopelab/chanx"
	"github.com/NetPo4ki/scopelab/internal/logsink"
	"github.com/NetPo4ki/scopelab/scope"
	"github.com/NetPo4ki/scopelab/stream"
)

func init() {
	register(
		Lesson{Name: "channel", Group: GroupChannels, Click: channel,
			Summary: "a rendezvous send waits for the receiver"},
		Lesson{Name: "channel-flow", Group: GroupChannels, Click: channelFlow,
			Summary: "several tasks send into one stream"},
		Lesson{Name: "callback-flow", Group: GroupChannels, Click: callbackFlow,
			Summary: "a callback API becomes a stream that unregisters when collection stops"},
		Lesson{Name: "produce-in", Group: GroupChannels, Click: produceIn,
			Summary: "a stream is collected into a channel owned by a scope"},
		Lesson{Name: "flow", Group: GroupStreams, Click: flow,
			Summary: "a cold stream runs its operators once per collector"},
		Lesson{Name: "catch", Group: GroupStreams, Click: catch,
			Summary: "Catch turns an upstream failure into regular control flow"},
		Lesson{Name: "retry", Group: GroupStreams, Click: retry,
			Summary: "Retry resubscribes twice before the failure reaches Catch"},
		Lesson{Name: "retry-when", Group: GroupStreams, Click: retryWhen,
			Summary: "RetryWhen gives up on the wrong kind of failure and the host crashes"},
		Lesson{Name: "flow-on", Group: GroupStreams, Click: flowOn,
			Summary: "FlowOn moves the upstream to another dispatcher"},
		Lesson{Name: "buffer", Group: GroupStreams, Click: buffer,
			Summary: "Buffer lets a producer run ahead of a slow collector"},
	)
}

func channel(ctx context.Context, h *Host) error {
	ch := chanx.New[int](0)
	h.Launch(ctx, func(ctx context.Context) error {
		if err := h.Delay(ctx, time.Second); err != nil {
			return err
		}
		h.Log(ctx, "send 5")
		if err := ch.Send(ctx, 5); err != nil {
			return err
		}
		h.Log(ctx, "send done")
		return nil
	})
	h.Launch(ctx, func(ctx context.Context) error {
		if err := h.Delay(ctx, 300*time.Millisecond); err != nil {
			return err
		}
		h.Log(ctx, "receive")
		v, err := ch.Receive(ctx)
		if err != nil {
			return err
		}
		h.Log(ctx, "receive %d, done", v)
		return nil
	})
	return nil
}

// sendAfter launches n senders that each deliver their number after a second.
func sendAfter(ctx context.Context, h *Host, out *chanx.Channel[int], n int) {
	for i := 1; i <= n; i++ {
		scope.Launch(ctx, func(ctx context.Context) error {
			if err := h.Delay(ctx, time.Second); err != nil {
				return err
			}
			return out.Send(ctx, i)
		})
	}
}

func channelFlow(ctx context.Context, h *Host) error {
	produced := stream.New(func(ctx context.Context, emit stream.Emitter[int]) error {
		return scope.Run(ctx, func(ctx context.Context) error {
			ch := chanx.Produce(scope.From(ctx), 0, func(ctx context.Context, out *chanx.Channel[int]) error {
				sendAfter(ctx, h, out, 3)
				return nil
			}, scope.WithCaller(ctx))
			return ch.ConsumeEach(ctx, emit)
		})
	})
	channelled := stream.ChannelStream(func(ctx context.Context, out *chanx.Channel[int]) error {
		sendAfter(ctx, h, out, 3)
		return nil
	})
	h.Launch(ctx, func(ctx context.Context) error {
		if err := produced.Collect(ctx, func(v int) error {
			h.Log(ctx, "produce collect %d", v)
			return nil
		}); err != nil {
			return err
		}
		return channelled.Collect(ctx, func(v int) error {
			h.Log(ctx, "channelFlow collect %d", v)
			return nil
		})
	})
	return nil
}

// listener is a callback API that delivers updates from its own goroutine.
type listener struct {
	stop chan struct{}
	done chan struct{}
}

func registerListener(ctx context.Context, h *Host, onUpdate func(string)) *listener {
	l := &listener{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(l.done)
		bg := logsink.OnThread(ctx, "callback-thread")
		tick := time.NewTicker(h.Scale(200 * time.Millisecond))
		defer tick.Stop()
		for i := 1; ; i++ {
			select {
			case <-tick.C:
				h.Log(bg, "callback, update %d", i)
				onUpdate("update " + strconv.Itoa(i))
			case <-l.stop:
				return
			}
		}
	}()
	return l
}

func (l *listener) unregister() {
	close(l.stop)
	<-l.done
}

func callbackFlow(ctx context.Context, h *Host) error {
	updates := stream.Callback(func(ctx context.Context, out *chanx.Channel[string]) error {
		_ = out.TrySend("Result")
		l := registerListener(ctx, h, func(v string) { _ = out.TrySend(v) })
		return stream.AwaitClose(ctx, out, func() {
			l.unregister()
			h.Log(ctx, "awaitClose, callback unregistered")
		})
	})
	h.Launch(ctx, func(ctx context.Context) error {
		return updates.Take(3).Collect(ctx, func(v string) error {
			h.Log(ctx, "collect %s", v)
			return nil
		})
	})
	return nil
}

func produceIn(ctx context.Context, h *Host) error {
	src := stream.New(func(ctx context.Context, emit stream.Emitter[int]) error {
		h.Log(ctx, "emit 3")
		return emit(3)
	})
	ch := src.Buffer(5, stream.Suspend).FlowOn(h.IO()).ProduceIn(h.Scope(), 0, scope.WithCaller(ctx))
	h.Launch(ctx, func(ctx context.Context) error {
		return ch.ConsumeEach(ctx, func(v int) error {
			h.Log(ctx, "received %d", v)
			return nil
		})
	})
	return nil
}

func flow(ctx context.Context, h *Host) error {
	flowStrings := stream.Of("abc", "def", "ghi")
	upper := stream.Transform(flowStrings, func(ctx context.Context, v string, emit stream.Emitter[string]) error {
		return emit(strings.ToUpper(v))
	})
	h.Launch(ctx, func(ctx context.Context) error {
		return upper.OnEach(func(ctx context.Context, v string) error {
			h.Log(ctx, "onEach %s", v)
			return nil
		}).Collect(ctx, func(v string) error {
			h.Log(ctx, "collect %s", v)
			return nil
		})
	})
	return nil
}

var (
	errDivideByZero = errors.New("divide by zero")
	errNetwork      = errors.New("network unavailable")
)

func divide(a, b int) (int, error) {
	if b == 0 {
		return 0, errDivideByZero
	}
	return a / b, nil
}

func flowGenerateException(ctx context.Context, h *Host) stream.Stream[int] {
	h.Log(ctx, "flowGenerateException()")
	return stream.New(func(ctx context.Context, emit stream.Emitter[int]) error {
		res, err := divide(1, 0)
		if err != nil {
			return err
		}
		return emit(res)
	})
}

func catch(ctx context.Context, h *Host) error {
	h.Launch(ctx, func(ctx context.Context) error {
		return flowGenerateException(ctx, h).
			Catch(func(ctx context.Context, err error, _ stream.Emitter[int]) error {
				h.Log(ctx, "catchExample catch %v", err)
				return nil
			}).
			Collect(ctx, func(v int) error {
				h.Log(ctx, "catchExample collect %d", v)
				return nil
			})
	})
	return nil
}

func retry(ctx context.Context, h *Host) error {
	h.Log(ctx, "retryExample()")
	h.Launch(ctx, func(ctx context.Context) error {
		return flowGenerateException(ctx, h).
			Retry(2, func(ctx context.Context, err error) bool {
				h.Log(ctx, "retry")
				return true
			}).
			Catch(func(ctx context.Context, err error, _ stream.Emitter[int]) error {
				h.Log(ctx, " catch %v", err)
				return nil
			}).
			Collect(ctx, func(v int) error {
				h.Log(ctx, "collect %d", v)
				return nil
			})
	})
	return nil
}

func retryWhen(ctx context.Context, h *Host) error {
	h.Launch(ctx, func(ctx context.Context) error {
		return flowGenerateException(ctx, h).
			RetryWhen(func(ctx context.Context, err error, attempt int) bool {
				return errors.Is(err, errNetwork) && attempt < 5
			}).
			Collect(ctx, func(v int) error {
				h.Log(ctx, "collect %d", v)
				return nil
			})
	})
	return nil
}

func flowOn(ctx context.Context, h *Host) error {
	src := stream.New(func(ctx context.Context, emit stream.Emitter[int]) error {
		h.Log(ctx, "emit 1")
		return emit(1)
	})
	mapped := stream.Map(src, func(ctx context.Context, v int) (int, error) {
		h.Log(ctx, "map %d", v)
		return v * 10, nil
	}).FlowOn(h.IO())
	shown := mapped.OnEach(func(ctx context.Context, v int) error {
		h.Log(ctx, "onEach %d", v)
		return nil
	}).FlowOn(h.Main())
	h.Launch(ctx, func(ctx context.Context) error {
		return shown.Collect(ctx, func(v int) error {
			h.Log(ctx, "collect %d", v)
			return nil
		})
	})
	return nil
}

func buffer(ctx context.Context, h *Host) error {
	src := stream.New(func(ctx context.Context, emit stream.Emitter[int]) error {
		for i := 1; i <= 3; i++ {
			if err := h.Delay(ctx, 100*time.Millisecond); err != nil {
				return err
			}
			h.Log(ctx, "emit %d", i)
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	})
	h.Launch(ctx, func(ctx context.Context) error {
		start := time.Now()
		err := src.Buffer(5, stream.Suspend).FlowOn(h.IO()).Collect(ctx, func(v int) error {
			if err := h.Delay(ctx, 300*time.Millisecond); err != nil {
				return err
			}
			h.Log(ctx, "collect %d", v)
			return nil
		})
		if err != nil {
			return err
		}
		h.Log(ctx, "collected in %v", time.Since(start).Round(time.Millisecond))
		return nil
	})
	return nil
}
