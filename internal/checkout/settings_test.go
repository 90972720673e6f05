package checkout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTogglesPushPop(t *testing.T) {
	defaults := Settings{GuestCheckout: true}
	toggles := NewToggles(defaults)

	g := toggles.Push(Settings{RegistrationRequired: true})
	require.Equal(t, Settings{RegistrationRequired: true}, toggles.Current())

	inner := toggles.Push(Settings{GuestCheckout: true, RegistrationRequired: true})
	inner.Pop()
	require.Equal(t, Settings{RegistrationRequired: true}, toggles.Current())

	g.Pop()
	g.Pop()
	require.Equal(t, defaults, toggles.Current())
}

func TestTogglesRestoredOnPanic(t *testing.T) {
	toggles := NewToggles(Settings{GuestCheckout: true})

	require.Panics(t, func() {
		g := toggles.Push(subscriptionSettings)
		defer g.Pop()
		panic("stage blew up")
	})
	require.Equal(t, Settings{GuestCheckout: true}, toggles.Current())
}
