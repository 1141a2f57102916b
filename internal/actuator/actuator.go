// Package actuator drives a lens and sensor controller MCU over a serial link.
// Sensor controls are written as short command lines and the MCU answers
// with the values it applied to each frame. Every line read from the port is
// also fanned out to subscribers for the admin tail.
package actuator

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/banshee-data/camctl/internal/ipa"
)

var ErrWriteFailed = errors.New("actuator: short write to serial port")

// feedbackSlots bounds how many per-frame feedback reports are kept.
const feedbackSlots = 64

// Actuator applies sensor controls through a serial port of type T.
type Actuator[T Port] struct {
	port T

	subscriberMu sync.Mutex
	subscribers  map[string]chan string

	commandMu sync.Mutex

	closingMu sync.Mutex
	closing   bool

	stateMu  sync.Mutex
	last     ipa.SensorControls
	applied  uint64
	feedback [feedbackSlots]*Feedback
}

// New wraps port. Call Monitor to start reading feedback.
func New[T Port](port T) *Actuator[T] {
	return &Actuator[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

func randomID() string {
	b := make([]byte, 8)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel receiving every line read from the port.
// Lines are dropped for subscribers that are not ready.
func (a *Actuator[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)
	a.subscriberMu.Lock()
	a.subscribers[id] = ch
	a.subscriberMu.Unlock()
	return id, ch
}

func (a *Actuator[T]) Unsubscribe(id string) {
	a.subscriberMu.Lock()
	defer a.subscriberMu.Unlock()
	if ch, ok := a.subscribers[id]; ok {
		close(ch)
		delete(a.subscribers, id)
	}
}

// Initialize resets the MCU to neutral controls and asks it to report
// applied values.
func (a *Actuator[T]) Initialize() error {
	for _, command := range []string{
		"R",   // reset to neutral exposure, gain and focus
		"O=A", // enable applied-value reports
	} {
		if err := a.SendCommand(command); err != nil {
			return fmt.Errorf("send start command %q: %w", command, err)
		}
	}
	return nil
}

// SendCommand writes one command line.
func (a *Actuator[T]) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	return a.write(command)
}

func (a *Actuator[T]) write(s string) error {
	a.commandMu.Lock()
	defer a.commandMu.Unlock()
	n, err := a.port.Write([]byte(s))
	if err != nil {
		return err
	}
	if n != len(s) {
		return ErrWriteFailed
	}
	return nil
}

// ApplyControls sends c as a single write so lines for different frames
// never interleave.
func (a *Actuator[T]) ApplyControls(c ipa.SensorControls) error {
	if err := a.write(FormatControls(c)); err != nil {
		opsf("apply controls for frame %d: %v", c.Sequence, err)
		return fmt.Errorf("apply controls for frame %d: %w", c.Sequence, err)
	}
	a.stateMu.Lock()
	a.last = c
	a.applied++
	a.stateMu.Unlock()
	tracef("frame %d: E=%d G=%.4f F=%d", c.Sequence, c.ExposureLines, c.AnalogueGain, c.FocusStep)
	return nil
}

// Effective returns the values the MCU reported for frame seq, if that
// report is still held.
func (a *Actuator[T]) Effective(seq uint32) (ipa.SensorState, bool) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	fb := a.feedback[seq%feedbackSlots]
	if fb == nil || fb.Sequence != seq {
		return ipa.SensorState{}, false
	}
	return fb.Sensor, true
}

// LastApplied returns the most recent controls written and how many
// control sets have been written in total.
func (a *Actuator[T]) LastApplied() (ipa.SensorControls, uint64) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.last, a.applied
}

func (a *Actuator[T]) recordFeedback(line string) {
	fb, err := ParseFeedback(line)
	if errors.Is(err, ErrNotFeedback) {
		return
	}
	if err != nil {
		opsf("%v", err)
		return
	}
	a.stateMu.Lock()
	a.feedback[fb.Sequence%feedbackSlots] = &fb
	a.stateMu.Unlock()
}

// Monitor reads lines until ctx is cancelled or the port fails.
func (a *Actuator[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(a.port)
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErr <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			a.closingMu.Lock()
			closing := a.closing
			a.closingMu.Unlock()
			if closing {
				return nil
			}

			a.recordFeedback(line)

			a.subscriberMu.Lock()
			for _, ch := range a.subscribers {
				select {
				case ch <- line:
				default:
				}
			}
			a.subscriberMu.Unlock()
		}
	}
}

// Close closes all subscriber channels and the port.
func (a *Actuator[T]) Close() error {
	a.closingMu.Lock()
	a.closing = true
	a.closingMu.Unlock()

	a.subscriberMu.Lock()
	for id, ch := range a.subscribers {
		close(ch)
		delete(a.subscribers, id)
	}
	a.subscriberMu.Unlock()
	return a.port.Close()
}
