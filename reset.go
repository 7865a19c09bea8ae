package xmosspi

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Reset timing. The boot ROM accepts an image 1ms after RST_N is released.
const (
	ResetPulse = 10 * time.Millisecond
	ResetReady = 1 * time.Millisecond
)

// Reset pulses the xcore RST_N line low and waits until the boot ROM is
// ready for an image. Boards without a controllable reset line are reset by
// other means before calling Program.
func Reset(rst gpio.PinOut) error {
	return reset(rst, time.Sleep)
}

func reset(rst gpio.PinOut, sleep func(time.Duration)) error {
	if err := rst.Out(gpio.Low); err != nil {
		return fmt.Errorf("xmosspi: failed to pull RST low: %w", err)
	}
	sleep(ResetPulse)

	if err := rst.Out(gpio.High); err != nil {
		return fmt.Errorf("xmosspi: failed to pull RST high: %w", err)
	}
	sleep(ResetReady)
	return nil
}
