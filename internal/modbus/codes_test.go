package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"plcrpc/internal/model"
)

func TestRegisterTypeFor(t *testing.T) {
	tests := []struct {
		codes []int
		want  model.RegisterType
	}{
		{codes: []int{1, 5, 15}, want: model.Coil},
		{codes: []int{2}, want: model.DiscreteInput},
		{codes: []int{3, 6, 16, 22, 23}, want: model.HoldingRegister},
		{codes: []int{4}, want: model.InputRegister},
	}
	for _, tt := range tests {
		for _, code := range tt.codes {
			got, ok := RegisterTypeFor(code)
			assert.True(t, ok, "code %d", code)
			assert.Equal(t, tt.want, got, "code %d", code)
		}
	}

	for _, code := range []int{0, 7, 8, 17, 24, 99, -1} {
		_, ok := RegisterTypeFor(code)
		assert.False(t, ok, "code %d should be unsupported", code)
	}
}
