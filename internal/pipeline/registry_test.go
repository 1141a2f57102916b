package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/camctl/internal/ipa/controller"
)

func newIdleCamera(name string) *Camera {
	return NewCamera(name, &fakeDevice{}, controller.New(controller.DefaultConfig(), &sinkLog{}))
}

func TestRegistry_IDs(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	id, err := r.Add(newIdleCamera("imx219"), false)
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	id, err = r.Add(newIdleCamera("usb-a"), true)
	require.NoError(t, err)
	assert.Equal(t, FirstExternalID, id)

	id, err = r.Add(newIdleCamera("ov5640"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	id, err = r.Add(newIdleCamera("usb-b"), true)
	require.NoError(t, err)
	assert.Equal(t, FirstExternalID+1, id)

	assert.Equal(t, []int{0, 1, FirstExternalID, FirstExternalID + 1}, r.IDs())

	_, err = r.Add(newIdleCamera("usb-a"), false)
	assert.ErrorIs(t, err, ErrCameraExists)
}

func TestRegistry_RemoveDoesNotReuseIDs(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	id, err := r.Add(newIdleCamera("usb-a"), true)
	require.NoError(t, err)
	require.NoError(t, r.Remove(id))
	assert.ErrorIs(t, r.Remove(id), ErrCameraNotFound)

	_, ok := r.Get(id)
	assert.False(t, ok)

	again, err := r.Add(newIdleCamera("usb-a"), true)
	require.NoError(t, err)
	assert.Equal(t, id+1, again)

	gotID, cam, ok := r.Lookup("usb-a")
	require.True(t, ok)
	assert.Equal(t, again, gotID)
	assert.Equal(t, "usb-a", cam.Name())
}
