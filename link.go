package xmosspi

import "fmt"

// Link is the control surface of an open SPI device. *spidev.Device
// implements it directly; periphlink adapts periph.io ports to it.
//
// A Link is a single physical resource. Callers sharing one between
// goroutines must serialize Program calls themselves.
type Link interface {
	SetMode(mode uint8) error
	Mode() (uint8, error)
	SetBitsPerWord(bits uint8) error
	BitsPerWord() (uint8, error)
	SetMaxSpeedHz(hz uint32) error
	MaxSpeedHz() (uint32, error)

	// Transfer submits all msgs as one transaction.
	Transfer(msgs ...Transfer) error
}

// Stage identifies one step of the link configuration sequence.
type Stage int

// Configuration stages in execution order.
const (
	StageSetMode Stage = iota
	StageGetMode
	StageSetBitsPerWord
	StageGetBitsPerWord
	StageSetMaxSpeed
	StageGetMaxSpeed
)

var stageNames = [...]string{
	StageSetMode:        "set SPI mode",
	StageGetMode:        "get SPI mode",
	StageSetBitsPerWord: "set bits per word",
	StageGetBitsPerWord: "get bits per word",
	StageSetMaxSpeed:    "set max speed Hz",
	StageGetMaxSpeed:    "get max speed Hz",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// LinkSettings is the mode, word size and clock rate of a link.
type LinkSettings struct {
	Mode        uint8
	BitsPerWord uint8
	SpeedHz     uint32
}

type configStep struct {
	stage Stage
	run   func(l Link, want LinkSettings, got *LinkSettings) error
	// check compares a read-back value in strict mode; nil for writes.
	check func(want, got LinkSettings) error
}

var configSequence = []configStep{
	{
		stage: StageSetMode,
		run: func(l Link, want LinkSettings, _ *LinkSettings) error {
			return l.SetMode(want.Mode)
		},
	},
	{
		stage: StageGetMode,
		run: func(l Link, _ LinkSettings, got *LinkSettings) (err error) {
			got.Mode, err = l.Mode()
			return err
		},
		check: func(want, got LinkSettings) error {
			return compare("mode", uint32(want.Mode), uint32(got.Mode))
		},
	},
	{
		stage: StageSetBitsPerWord,
		run: func(l Link, want LinkSettings, _ *LinkSettings) error {
			return l.SetBitsPerWord(want.BitsPerWord)
		},
	},
	{
		stage: StageGetBitsPerWord,
		run: func(l Link, _ LinkSettings, got *LinkSettings) (err error) {
			got.BitsPerWord, err = l.BitsPerWord()
			return err
		},
		check: func(want, got LinkSettings) error {
			return compare("bits per word", uint32(want.BitsPerWord), uint32(got.BitsPerWord))
		},
	},
	{
		stage: StageSetMaxSpeed,
		run: func(l Link, want LinkSettings, _ *LinkSettings) error {
			return l.SetMaxSpeedHz(want.SpeedHz)
		},
	},
	{
		stage: StageGetMaxSpeed,
		run: func(l Link, _ LinkSettings, got *LinkSettings) (err error) {
			got.SpeedHz, err = l.MaxSpeedHz()
			return err
		},
		check: func(want, got LinkSettings) error {
			return compare("max speed Hz", want.SpeedHz, got.SpeedHz)
		},
	},
}

func compare(setting string, want, got uint32) error {
	if want != got {
		return &MismatchError{Setting: setting, Want: want, Got: got}
	}
	return nil
}

// ConfigureLink writes want to l one setting at a time, reading each back
// right after writing it. The read-back values are returned. With strict set,
// a read-back that differs from want fails at its get stage.
func ConfigureLink(l Link, want LinkSettings, strict bool) (LinkSettings, error) {
	var got LinkSettings
	for _, step := range configSequence {
		if err := step.run(l, want, &got); err != nil {
			return got, &LinkConfigError{Stage: step.stage, Err: err}
		}
		if strict && step.check != nil {
			if err := step.check(want, got); err != nil {
				return got, &LinkConfigError{Stage: step.stage, Err: err}
			}
		}
	}
	return got, nil
}
