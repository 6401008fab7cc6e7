package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"livecomment.dev/wscomp/connection/message"
	"livecomment.dev/wscomp/connection/transporter"
	"livecomment.dev/wscomp/connection/transporter/websocket"
	"livecomment.dev/wscomp/logger"
)

var _ = Describe("Connection Manager", func() {
	logger := logger.MockLogger(GinkgoWriter)

	// longer than any backoff the default policy will ever pick
	const backoffWindow = 25 * time.Second

	var fakeClock *recordingClock
	var created *transports
	var owner *recorder
	var manager *Manager

	newManager := func(config Config, opts ...Option) *Manager {
		opts = append([]Option{
			WithClock(fakeClock),
			WithTransporterFactory(created.factory),
		}, opts...)
		return New(logger, config, opts...)
	}

	open := func(i int) *Control {
		before := owner.Opens()
		created.Get(i).Emit(transporter.Event{Type: transporter.Open})
		Eventually(owner.Opens).Should(Equal(before + 1))
		return owner.Control()
	}

	BeforeEach(func() {
		fakeClock = newRecordingClock()
		created = &transports{}
		owner = &recorder{}
	})

	AfterEach(func() {
		if manager != nil {
			manager.Dispose()
		}
		manager = nil
	})

	Context("Activation", func() {
		DescribeTable("never creates a transport for a non websocket address",
			func(address string) {
				manager = newManager(owner.config(address))
				manager.Activate()

				Consistently(created.Count).Should(BeZero())
				Expect(manager.Live()).To(BeFalse())
				Expect(owner.Opens()).To(BeZero())
				Expect(owner.Closes()).To(BeEmpty())
				Expect(owner.Errors()).To(BeEmpty())
			},
			Entry("empty", ""),
			Entry("http", "http://example.com"),
			Entry("scheme only", "wss://"),
			Entry("unparseable", "ws://%zz"),
		)

		When("a synthetic first message is requested without an address", func() {
			BeforeEach(func() {
				config := owner.config("")
				config.DeliverSyntheticFirstMessage = true

				manager = newManager(config)
				manager.Activate()
			})

			It("delivers the placeholder exactly once and never connects", func() {
				Expect(owner.Messages()).To(Equal([]message.Message{message.Placeholder()}))
				Consistently(created.Count).Should(BeZero())
				Expect(owner.Messages()).To(HaveLen(1))
			})
		})

		When("a synthetic first message is requested with an address", func() {
			BeforeEach(func() {
				config := owner.config("ws://x")
				config.DeliverSyntheticFirstMessage = true

				manager = newManager(config)
				manager.Activate()
			})

			It("delivers the placeholder first and still connects", func() {
				Expect(owner.Messages()).To(HaveLen(1))
				Expect(created.Count()).To(Equal(1))
			})

			It("does not deliver it again on reconnect", func() {
				control := open(0)
				control.Reconnect()

				Expect(created.Count()).To(Equal(2))
				Expect(owner.Messages()).To(HaveLen(1))
			})
		})

		When("given a websocket address", func() {
			BeforeEach(func() {
				manager = newManager(owner.config("ws://x"))
				manager.Activate()
			})

			It("starts connecting right away", func() {
				Expect(created.Count()).To(Equal(1))
				Expect(manager.Live()).To(BeTrue())
				created.Get(0).AssertCalled(GinkgoT(), "Connect", mock.Anything, mock.Anything, mock.Anything)
			})

			It("hands the owner a fresh control once open", func() {
				control := open(0)
				Expect(control.PendingTimer()).To(BeZero())
			})

			It("replaces the existing transport when activated again", func() {
				manager.Activate()

				Expect(created.Count()).To(Equal(2))
				created.Get(0).AssertCalled(GinkgoT(), "Close", ErrReconnect)
				Expect(created.Get(0).Finished()).To(BeTrue())
				Expect(manager.Live()).To(BeTrue())
			})
		})
	})

	Context("Events", func() {
		var transport *transporter.MockTransporter

		BeforeEach(func() {
			manager = newManager(owner.config("ws://x"))
			manager.Activate()
			transport = created.Get(0)
			open(0)
		})

		It("forwards parsed messages", func() {
			transport.Emit(transporter.Event{Type: transporter.Message, Payload: []byte(`{"type":"comment","comment":"first"}`)})
			transport.Emit(transporter.Event{Type: transporter.Message, Payload: []byte(`{"type":"comment","comment":"second"}`)})

			Eventually(owner.Messages).Should(HaveLen(2))
			Expect(owner.Messages()[0]["comment"]).To(Equal("first"))
			Expect(owner.Messages()[1]["comment"]).To(Equal("second"))
		})

		It("drops malformed messages, reports them and stays connected", func() {
			transport.Emit(transporter.Event{Type: transporter.Message, Payload: []byte(`{"type":`)})
			transport.Emit(transporter.Event{Type: transporter.Message, Payload: []byte(`{"type":"comment","comment":"after"}`)})

			Eventually(owner.Messages).Should(HaveLen(1))
			Expect(owner.Errors()).To(HaveLen(1))

			var parseErr *message.ParseError
			Expect(errors.As(owner.Errors()[0], &parseErr)).To(BeTrue())
			Expect(manager.Live()).To(BeTrue())
			Expect(owner.Closes()).To(BeEmpty())
		})

		It("forwards errors without closing", func() {
			transportErr := fmt.Errorf("something went sideways")
			transport.Emit(transporter.Event{Type: transporter.Error, Err: transportErr})

			Eventually(owner.Errors).Should(ConsistOf(transportErr))
			Consistently(owner.Closes).Should(BeEmpty())
			Expect(manager.Live()).To(BeTrue())
		})

		It("ignores a second open event", func() {
			transport.Emit(transporter.Event{Type: transporter.Open})
			Consistently(owner.Opens).Should(Equal(1))
		})

		It("reports the throughput it sees", func() {
			transport.Emit(transporter.Event{Type: transporter.Message, Payload: []byte(`{"type":"comment","comment":"x"}`)})
			Eventually(owner.Messages).Should(HaveLen(1))
			owner.Control().Send(message.NewComment("y"))

			stats := manager.Stats()
			Expect(stats.Live).To(BeTrue())
			Expect(string(stats.Throughput.Inbound)).To(ContainSubstring(`"total":1`))
			Expect(string(stats.Throughput.Outbound)).To(ContainSubstring(`"total":1`))

			data, err := json.Marshal(stats)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(data)).To(ContainSubstring(`"lifetime"`))
		})
	})

	Context("Closing", func() {
		var control *Control

		BeforeEach(func() {
			manager = newManager(owner.config("ws://x"))
			manager.Activate()
			control = open(0)
		})

		When("the owner closes through the control", func() {
			BeforeEach(func() {
				control.Close()
			})

			It("empties the slot and leaves no timer pending", func() {
				Expect(manager.Live()).To(BeFalse())
				Expect(control.PendingTimer()).To(BeZero())
			})

			It("tells the owner exactly once, with the owner's reason", func() {
				Eventually(owner.Closes).Should(HaveLen(1))
				Expect(owner.Closes()[0].Reason).To(MatchError(ErrControlClosed))
			})

			It("does not reconnect", func() {
				fakeClock.Step(backoffWindow)
				Consistently(created.Count).Should(Equal(1))
				Expect(owner.Closes()).To(HaveLen(1))
			})

			It("tolerates being closed again", func() {
				control.Close()
				Consistently(owner.Closes).Should(HaveLen(1))
			})
		})

		When("the connection closes abnormally", func() {
			BeforeEach(func() {
				transport := created.Get(0)
				transport.Emit(transporter.Event{Type: transporter.Error, Err: fmt.Errorf("connection reset")})
				transport.Finish(transporter.CloseEvent{Code: transporter.CloseAbnormalClosure, Reason: fmt.Errorf("connection reset")})
			})

			It("releases the slot before telling the owner", func() {
				Eventually(owner.Closes).Should(HaveLen(1))
				Expect(manager.Live()).To(BeFalse())
				Expect(owner.Closes()[0].WasClean()).To(BeFalse())
				Expect(owner.Errors()).To(HaveLen(1))
			})

			It("does not reconnect on its own", func() {
				Eventually(owner.Closes).Should(HaveLen(1))
				fakeClock.Step(backoffWindow)
				Consistently(created.Count).Should(Equal(1))
			})
		})
	})

	Context("Reconnecting", func() {
		var control *Control

		BeforeEach(func() {
			manager = newManager(owner.config("ws://x"))
			manager.Activate()
			control = open(0)
		})

		It("closes the current transport and opens a new one immediately", func() {
			control.Reconnect()

			Expect(created.Count()).To(Equal(2))
			created.Get(0).AssertCalled(GinkgoT(), "Close", ErrReconnect)
			Expect(fakeClock.Delays()).To(BeEmpty())

			Eventually(owner.Closes).Should(HaveLen(1))
			Expect(owner.Closes()[0].Reason).To(MatchError(ErrReconnect))
		})

		It("keeps the old transport's close from emptying the new slot", func() {
			control.Reconnect()
			Eventually(owner.Closes).Should(HaveLen(1))

			Expect(manager.Live()).To(BeTrue())
			created.Get(1).AssertNotCalled(GinkgoT(), "Close", mock.Anything)
		})

		It("sends through whichever transport is current", func() {
			control.Reconnect()
			control.Send(message.NewComment("hello"))

			created.Get(0).AssertNotCalled(GinkgoT(), "Send", mock.Anything)
			created.Get(1).AssertCalled(GinkgoT(), "Send", []byte(`{"type":"comment","comment":"hello"}`))
		})

		It("mints a new control on the next open", func() {
			control.Reconnect()
			next := open(1)
			Expect(next).ToNot(BeIdenticalTo(control))
		})

		When("asked to back off", func() {
			BeforeEach(func() {
				control.ReconnectWithBackoff()
			})

			It("schedules one timer within the backoff range", func() {
				Expect(control.PendingTimer()).ToNot(BeZero())
				Expect(fakeClock.Delays()).To(HaveLen(1))

				delay := fakeClock.Delays()[0]
				Expect(delay).To(BeNumerically(">=", 7000*time.Millisecond))
				Expect(delay).To(BeNumerically("<", 20000*time.Millisecond))
			})

			It("ignores a second request while one is pending", func() {
				pending := control.PendingTimer()
				control.ReconnectWithBackoff()

				Expect(fakeClock.Delays()).To(HaveLen(1))
				Expect(control.PendingTimer()).To(Equal(pending))
			})

			It("reconnects once the timer fires", func() {
				Expect(created.Count()).To(Equal(1))
				fakeClock.Step(fakeClock.Delays()[0])

				Eventually(created.Count).Should(Equal(2))
				Eventually(control.PendingTimer).Should(BeZero())
				created.Get(0).AssertCalled(GinkgoT(), "Close", ErrReconnect)
			})

			It("does not fire before the delay", func() {
				fakeClock.Step(fakeClock.Delays()[0] - time.Millisecond)
				Consistently(created.Count).Should(Equal(1))
			})

			It("is cancelled by close", func() {
				control.Close()
				Expect(control.PendingTimer()).To(BeZero())

				fakeClock.Step(backoffWindow)
				Consistently(created.Count).Should(Equal(1))
				Expect(manager.Live()).To(BeFalse())
			})

			It("is cancelled by a close through a newer control", func() {
				control.Reconnect()
				next := open(1)
				Expect(control.PendingTimer()).ToNot(BeZero())

				next.Close()
				Expect(control.PendingTimer()).To(BeZero())
				Expect(next.PendingTimer()).To(BeZero())

				fakeClock.Step(backoffWindow)
				Consistently(created.Count).Should(Equal(2))
				Expect(manager.Live()).To(BeFalse())
			})

			It("is cancelled by dispose", func() {
				manager.Dispose()
				Expect(control.PendingTimer()).To(BeZero())

				fakeClock.Step(backoffWindow)
				Consistently(created.Count).Should(Equal(1))
			})

			It("can be scheduled again after it fired", func() {
				fakeClock.Step(fakeClock.Delays()[0])
				Eventually(control.PendingTimer).Should(BeZero())

				control.ReconnectWithBackoff()
				Expect(fakeClock.Delays()).To(HaveLen(2))
			})
		})

		When("the backoff policy gives up", func() {
			BeforeEach(func() {
				manager.Dispose()
				manager = newManager(owner.config("ws://x"), WithBackOff(func() backoff.BackOff {
					return &backoff.StopBackOff{}
				}))
				manager.Activate()
				control = open(1)
			})

			It("schedules nothing", func() {
				control.ReconnectWithBackoff()
				Expect(control.PendingTimer()).To(BeZero())
				Expect(fakeClock.Delays()).To(BeEmpty())
			})
		})
	})

	Context("Reconnecting from the close callback", func() {
		BeforeEach(func() {
			owner.onClose = func(control *Control, event transporter.CloseEvent) {
				if !event.WasClean() && control != nil {
					control.ReconnectWithBackoff()
				}
			}
		})

		It("comes back after the backoff", func() {
			manager = newManager(owner.config("ws://x"))
			manager.Activate()
			open(0)

			created.Get(0).Finish(transporter.CloseEvent{Code: transporter.CloseAbnormalClosure})
			Eventually(fakeClock.Delays).Should(HaveLen(1))
			Expect(manager.Live()).To(BeFalse())

			fakeClock.Step(fakeClock.Delays()[0])
			Eventually(created.Count).Should(Equal(2))
			Expect(manager.Live()).To(BeTrue())

			open(1)
		})

		It("uses an exponential policy when asked to and resets it on open", func() {
			manager = newManager(owner.config("ws://x"), WithBackOff(func() backoff.BackOff {
				policy := backoff.NewExponentialBackOff()
				policy.InitialInterval = time.Second
				policy.RandomizationFactor = 0
				policy.Multiplier = 2
				return policy
			}))
			manager.Activate()
			open(0)

			created.Get(0).Finish(transporter.CloseEvent{Code: transporter.CloseAbnormalClosure})
			Eventually(fakeClock.Delays).Should(Equal([]time.Duration{time.Second}))

			// the next attempt fails before opening, so the delay doubles
			fakeClock.Step(time.Second)
			Eventually(created.Count).Should(Equal(2))
			created.Get(1).Finish(transporter.CloseEvent{Code: transporter.CloseAbnormalClosure})
			Eventually(fakeClock.Delays).Should(Equal([]time.Duration{time.Second, 2 * time.Second}))

			// a successful open starts over
			fakeClock.Step(2 * time.Second)
			Eventually(created.Count).Should(Equal(3))
			open(2)
			created.Get(2).Finish(transporter.CloseEvent{Code: transporter.CloseAbnormalClosure})
			Eventually(fakeClock.Delays).Should(Equal([]time.Duration{time.Second, 2 * time.Second, time.Second}))
		})
	})

	Context("Sending", func() {
		It("is a no-op without a transport", func() {
			manager = newManager(owner.config("ws://x"))
			manager.Activate()
			control := open(0)
			control.Close()

			Expect(func() { control.Send(message.NewComment("nobody home")) }).ToNot(Panic())
			created.Get(0).AssertNotCalled(GinkgoT(), "Send", mock.Anything)
		})

		It("swallows write failures", func() {
			failing := transporter.NewMockTransporter()
			failing.On("Connect", mock.Anything, mock.Anything, mock.Anything).Return()
			failing.On("Send", mock.Anything).Return(fmt.Errorf("broken pipe"))
			failing.On("Close", mock.Anything).Return()

			manager = New(logger, owner.config("ws://x"),
				WithClock(fakeClock),
				WithTransporterFactory(func(string) transporter.Transporter { return failing }),
			)
			manager.Activate()
			failing.Emit(transporter.Event{Type: transporter.Open})
			Eventually(owner.Opens).Should(Equal(1))

			Expect(func() { owner.Control().Send(message.NewComment("lost")) }).ToNot(Panic())
			failing.AssertNumberOfCalls(GinkgoT(), "Send", 1)
		})
	})

	Context("Disposal", func() {
		var control *Control

		BeforeEach(func() {
			manager = newManager(owner.config("ws://x"))
			manager.Activate()
			control = open(0)
			manager.Dispose()
		})

		It("closes the live transport", func() {
			Expect(manager.Live()).To(BeFalse())
			created.Get(0).AssertCalled(GinkgoT(), "Close", ErrDisposed)

			Eventually(owner.Closes).Should(HaveLen(1))
			Expect(owner.Closes()[0].Reason).To(MatchError(ErrDisposed))
		})

		It("is idempotent", func() {
			Expect(manager.Dispose).ToNot(Panic())
			Consistently(owner.Closes).Should(HaveLen(1))
		})

		It("turns later activity into no-ops", func() {
			manager.Activate()
			control.Reconnect()
			control.ReconnectWithBackoff()

			Expect(created.Count()).To(Equal(1))
			Expect(control.PendingTimer()).To(BeZero())
			Expect(manager.Live()).To(BeFalse())
		})
	})

	Context("Over a real websocket", func() {
		var server *websocket.MockWebsocketServer

		BeforeEach(func() {
			server = websocket.NewMockWebsocketServer(logger)

			owner.onClose = func(control *Control, event transporter.CloseEvent) {
				if !event.WasClean() && control != nil {
					control.ReconnectWithBackoff()
				}
			}

			manager = New(logger, owner.config(server.Addr), WithClock(fakeClock))
			manager.Activate()
			Eventually(owner.Opens, 3*time.Second).Should(Equal(1))
		})

		AfterEach(func() {
			server.Shutdown()
		})

		It("sends comments and receives what comes back", func() {
			owner.Control().Send(message.NewComment("echo me"))

			Eventually(owner.Messages, 3*time.Second).Should(HaveLen(1))
			Expect(owner.Messages()[0]).To(HaveKeyWithValue("comment", "echo me"))
		})

		It("recovers from a dropped connection after backing off", func() {
			server.Drop()

			Eventually(owner.Closes, 3*time.Second).Should(HaveLen(1))
			Expect(owner.Closes()[0].Code).To(Equal(transporter.CloseAbnormalClosure))
			Eventually(fakeClock.Delays).Should(HaveLen(1))

			fakeClock.Step(fakeClock.Delays()[0])

			Eventually(owner.Opens, 3*time.Second).Should(Equal(2))
			Expect(server.Accepted()).To(Equal(2))
		})

		It("closes cleanly on dispose", func() {
			manager.Dispose()

			Eventually(owner.Closes, 3*time.Second).Should(HaveLen(1))
			Expect(owner.Closes()[0].WasClean()).To(BeTrue())
			Eventually(server.Live).Should(BeZero())
			Expect(fakeClock.Delays()).To(BeEmpty())
		})
	})
})
