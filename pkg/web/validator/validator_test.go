package validator

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestIdent(t *testing.T) {
	v := validator.New(validator.WithRequiredStructEnabled())
	Register(v)

	type req struct {
		GameID string `json:"game_id" validate:"required,ident"`
	}

	tests := []struct {
		id    string
		valid bool
	}{
		{"doom-eternal", true},
		{"steam_doom_eternal", true},
		{"a.b-c_1", true},
		{"", false},
		{"Doom Eternal", false},
		{"-leading", false},
		{"../etc/passwd", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := v.Struct(req{GameID: tt.id})
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
