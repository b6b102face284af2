package voiceerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew_Nil(t *testing.T) {
	if New(KindDecode, "decode", nil) != nil {
		t.Error("Expected nil for nil error")
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	err := New(KindConnection, "connect", ErrTimeout)
	wrapped := fmt.Errorf("session: %w", err)

	if KindOf(wrapped) != KindConnection {
		t.Errorf("Expected kind connection, got %s", KindOf(wrapped))
	}
	if !errors.Is(wrapped, ErrTimeout) {
		t.Error("Expected errors.Is to find ErrTimeout")
	}
	if !Is(wrapped, KindConnection) {
		t.Error("Expected Is to report connection kind")
	}
}

func TestKindOf_Plain(t *testing.T) {
	if KindOf(errors.New("plain")) != 0 {
		t.Error("Expected zero kind for unclassified error")
	}
}

func TestError_Message(t *testing.T) {
	err := New(KindDevice, "start audio", ErrDeviceUnavailable)
	want := "device start audio: audio device unavailable"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}
