package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMSISDN(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "local zero prefix", in: "0722000000", want: "254722000000"},
		{name: "local zero one prefix", in: "0110000000", want: "254110000000"},
		{name: "canonical", in: "254722000000", want: "254722000000"},
		{name: "plus prefix", in: "+254722000000", want: "254722000000"},
		{name: "bare nine digits", in: "722000000", want: "254722000000"},
		{name: "spaces and dashes", in: "0722-000 000", want: "254722000000"},
		{name: "too short", in: "07220", wantErr: true},
		{name: "wrong country code", in: "255722000000", wantErr: true},
		{name: "landline range", in: "0202000000", wantErr: true},
		{name: "empty", in: "", wantErr: true},
		{name: "letters only", in: "not-a-phone", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeMSISDN(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
