package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	authorized bool
	err        error
	flags      []uint32
	action     string
}

func (f *fakeCaller) Call(ctx context.Context, dest string, path dbus.ObjectPath, iface, method string, args []interface{}, out ...interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.action = args[1].(string)
	f.flags = append(f.flags, args[3].(uint32))
	*out[0].(*polkitResult) = polkitResult{IsAuthorized: f.authorized}
	return nil
}

func TestPolkitCheck(t *testing.T) {
	c := &fakeCaller{authorized: true}
	p := NewPolkit(c, "org.example.modify")

	ok, err := p.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "org.example.modify", c.action)
	assert.Equal(t, []uint32{polkitFlagNone}, c.flags)
}

func TestPolkitCheckError(t *testing.T) {
	p := NewPolkit(&fakeCaller{err: errors.New("no polkit")}, "a")
	ok, err := p.Check(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestPolkitRequestAllowsInteractionAndCompletes(t *testing.T) {
	c := &fakeCaller{}
	p := NewPolkit(c, "a")

	done := make(chan struct{})
	p.Request(context.Background(), func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}
	assert.Equal(t, []uint32{polkitFlagAllowInteraction}, c.flags)
}

func TestPolkitRequestCompletesOnError(t *testing.T) {
	p := NewPolkit(&fakeCaller{err: errors.New("dismissed")}, "a")
	done := make(chan struct{})
	p.Request(context.Background(), func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}
}

func TestUID(t *testing.T) {
	u := &UID{geteuid: func() int { return 0 }}
	ok, err := u.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	u.geteuid = func() int { return 1000 }
	ok, _ = u.Check(context.Background())
	assert.False(t, ok)

	called := false
	u.Request(context.Background(), func() { called = true })
	assert.True(t, called)
}
