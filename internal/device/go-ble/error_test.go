package goble

import (
	"errors"
	"testing"

	"github.com/srg/musestream/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name  string
		input error
		want  error
	}{
		{name: "powered off", input: errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), want: device.ErrBluetoothOff},
		{name: "not connected", input: errors.New("Device Not Connected"), want: device.ErrNotConnected},
		{name: "remote disconnect", input: errors.New("peripheral disconnected"), want: device.ErrLinkLost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.input)
			assert.ErrorIs(t, got, tt.want)
			assert.Contains(t, got.Error(), tt.input.Error(), "original message MUST be preserved")
		})
	}

	t.Run("unknown errors pass through", func(t *testing.T) {
		orig := errors.New("att: invalid handle")
		assert.Same(t, orig, NormalizeError(orig))
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, NormalizeError(nil))
	})
}
