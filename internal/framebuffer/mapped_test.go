//go:build linux

package framebuffer

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestMap_MemfdPlanes(t *testing.T) {
	fd, err := unix.MemfdCreate("camctl-test", 0)
	if err != nil {
		t.Skipf("memfd_create unavailable: %v", err)
	}
	defer unix.Close(fd)

	const size = 8192
	if err := unix.Ftruncate(fd, size); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}
	if _, err := unix.Pwrite(fd, []byte{0xAB}, 4100); err != nil {
		t.Fatalf("pwrite: %v", err)
	}

	buf := New([]Plane{
		{FD: fd, Offset: 0, Length: 4096},
		{FD: fd, Offset: 4100, Length: 16},
	}, 0)

	m, err := Map(buf, MapRead|MapWrite)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer m.Unmap()

	planes := m.Planes()
	if len(planes) != 2 {
		t.Fatalf("got %d planes, want 2", len(planes))
	}
	if len(planes[1]) != 16 {
		t.Errorf("plane 1 length = %d, want 16", len(planes[1]))
	}
	if planes[1][0] != 0xAB {
		t.Errorf("unaligned plane first byte = %#x, want 0xab", planes[1][0])
	}

	planes[0][0] = 0x5A
	got := make([]byte, 1)
	if _, err := unix.Pread(fd, got, 0); err != nil {
		t.Fatalf("pread: %v", err)
	}
	if got[0] != 0x5A {
		t.Errorf("write through mapping not visible: %#x", got[0])
	}
}

func TestMap_NoAccess(t *testing.T) {
	if _, err := Map(New(nil, 0), 0); err == nil {
		t.Error("Map with no flags should fail")
	}
}
