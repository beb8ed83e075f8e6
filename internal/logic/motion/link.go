package motion

import (
	"context"
	"fmt"

	"github.com/cjeanneret/GoLegs/internal/hw/pwm"
	"github.com/cjeanneret/GoLegs/internal/hw/servo"
)

// LinkHandler serves serial link commands against a Controller.
type LinkHandler struct {
	Ctrl   *Controller
	Driver pwm.Driver
}

// Compare writes a raw compare value. The output must belong to a servo and
// ticks must stay inside that servo's allowed pulse window.
func (h LinkHandler) Compare(timer, channel int, ticks uint32) error {
	out := pwm.Output{Timer: timer, Channel: channel}
	s, err := h.Ctrl.ByOutput(out)
	if err != nil {
		return err
	}
	p := s.Profile()
	lo, hi := p.Calibration.Ticks(p.Range.Min), p.Calibration.Ticks(p.Range.Max)
	if ticks < lo || ticks > hi {
		return fmt.Errorf("%w: compare %d not in [%d, %d] for %s", servo.ErrAngleOutOfRange, ticks, lo, hi, out)
	}
	if err := h.Ctrl.acquire(context.Background()); err != nil {
		return err
	}
	defer h.Ctrl.mu.Unlock()
	return h.Driver.SetCompare(out, ticks)
}

func (h LinkHandler) Sweep(ctx context.Context, timer, channel int) error {
	s, err := h.Ctrl.ByOutput(pwm.Output{Timer: timer, Channel: channel})
	if err != nil {
		return err
	}
	return h.Ctrl.Sweep(ctx, s.Name())
}

func (h LinkHandler) SweepAll(ctx context.Context) error {
	return h.Ctrl.SweepAll(ctx)
}

func (h LinkHandler) Center() error {
	return h.Ctrl.CenterAll()
}
