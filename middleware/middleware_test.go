package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/semihalev/adns/config"
)

type dummy struct{ name string }

func (d *dummy) ServeDNS(ctx context.Context, ch *Chain) { ch.Next(ctx) }
func (d *dummy) Name() string {
	if d.name == "" {
		return "dummy"
	}
	return d.name
}

func Test_Middleware(t *testing.T) {
	Register("dummy", func(*config.Config) Handler {
		return &dummy{}
	})
	Register("edns", func(*config.Config) Handler {
		return &dummy{name: "edns"}
	})
	Register("recovery", func(*config.Config) Handler {
		return &dummy{name: "recovery"}
	})

	assert.Equal(t, []string{"recovery", "edns", "dummy"}, List())

	d := Get("dummy")
	assert.Nil(t, d)

	err := Setup(nil)
	assert.Error(t, err)

	cfg := &config.Config{}

	err = Setup(cfg)
	assert.NoError(t, err)

	err = Setup(cfg)
	assert.Error(t, err)

	assert.Len(t, Handlers(), 3)
	assert.Equal(t, "recovery", Handlers()[0].Name())

	d = Get("dummy")
	assert.NotNil(t, d)

	d = Get("none")
	assert.Nil(t, d)
}
