//go:build tinygo && stm32f4

// Command golegs-firmware runs on the STM32F4 leg controller. It sweeps
// every servo once at boot, then serves the line protocol on the USB
// serial port.
package main

import (
	"context"
	"machine"
	"time"

	"github.com/cjeanneret/GoLegs/internal/debug"
	"github.com/cjeanneret/GoLegs/internal/hw/pwm"
	"github.com/cjeanneret/GoLegs/internal/hw/servo"
	"github.com/cjeanneret/GoLegs/internal/logic/motion"
	"github.com/cjeanneret/GoLegs/internal/logic/sweep"
	"github.com/cjeanneret/GoLegs/internal/proto"
)

// channel binds a servo to its timer output and pin.
type channel struct {
	out pwm.Output
	pin machine.Pin
}

// Channel table, in sweep order.
var channels = []channel{
	{pwm.Output{Timer: 1, Channel: 1}, machine.PA8},
	{pwm.Output{Timer: 2, Channel: 2}, machine.PA1},
	{pwm.Output{Timer: 3, Channel: 1}, machine.PC6},
	{pwm.Output{Timer: 3, Channel: 2}, machine.PC7},
	{pwm.Output{Timer: 3, Channel: 3}, machine.PC8},
	{pwm.Output{Timer: 3, Channel: 4}, machine.PC9},
	{pwm.Output{Timer: 4, Channel: 3}, machine.PB8},
	{pwm.Output{Timer: 4, Channel: 4}, machine.PB9},
}

func timers() map[int]pwm.TimerPins {
	t := map[int]pwm.TimerPins{
		1: {PWM: &machine.TIM1, Pins: map[int]machine.Pin{}},
		2: {PWM: &machine.TIM2, Pins: map[int]machine.Pin{}},
		3: {PWM: &machine.TIM3, Pins: map[int]machine.Pin{}},
		4: {PWM: &machine.TIM4, Pins: map[int]machine.Pin{}},
	}
	for _, c := range channels {
		t[c.out.Timer].Pins[c.out.Channel] = c.pin
	}
	return t
}

// serialReader yields while the UART buffer is empty so the protocol loop
// does not spin.
type serialReader struct{}

func (serialReader) ReadByte() (byte, error) {
	if machine.Serial.Buffered() == 0 {
		time.Sleep(time.Millisecond)
	}
	return machine.Serial.ReadByte()
}

func main() {
	// The serial port carries protocol replies, keep debug output off it.
	debug.Init(0)
	time.Sleep(time.Second)

	drv, err := pwm.NewTinyGoDriver(timers())
	if err != nil {
		panic(err)
	}

	servos := make([]*servo.Servo, 0, len(channels))
	for _, c := range channels {
		servos = append(servos, servo.New("", drv, c.out, servo.SG90Leg))
	}
	seq, err := sweep.NewSequencer(sweep.DefaultParams)
	if err != nil {
		panic(err)
	}
	ctrl, err := motion.NewController(servos, seq, nil)
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	if err := ctrl.SweepAll(ctx); err != nil {
		println("boot sweep:", err.Error())
	}

	h := motion.LinkHandler{Ctrl: ctrl, Driver: drv}
	for {
		if err := proto.Serve(ctx, serialReader{}, machine.Serial, h); err != nil {
			println("link:", err.Error())
		}
	}
}
