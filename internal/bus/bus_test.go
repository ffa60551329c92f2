package bus

import (
	"context"
	"errors"
	"testing"
)

func TestTopicNames(t *testing.T) {
	if got := StreamsTopic("front"); got != "/CameraPublisher/front/streams" {
		t.Errorf("StreamsTopic = %q", got)
	}
	if got := PoseTopic("front"); got != "/watson/front" {
		t.Errorf("PoseTopic = %q", got)
	}
}

func TestCheckValue(t *testing.T) {
	tests := []struct {
		typ     Type
		value   any
		wantErr bool
	}{
		{TypeRaw, []byte{1}, false},
		{TypeRaw, []string{"x"}, true},
		{TypeStringArray, []string{"x"}, false},
		{TypeStringArray, "x", true},
		{Type("double"), 1.0, true},
	}
	for _, tt := range tests {
		err := CheckValue(tt.typ, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckValue(%s, %T) = %v, wantErr %v", tt.typ, tt.value, err, tt.wantErr)
		}
	}
	if err := CheckValue(TypeRaw, 3); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Expected ErrTypeMismatch, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	var got Options
	Register("test-registry", func(opts Options) (Dialer, error) {
		got = opts
		return DialerFunc(func(context.Context, string) (Session, error) {
			return nil, errors.New("unreachable")
		}), nil
	})

	d, err := NewDialer("test-registry", Options{ClientName: "front", Port: 9})
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	if got.ClientName != "front" || got.Port != 9 {
		t.Errorf("options = %+v", got)
	}
	if _, err := d.Connect(context.Background(), "x"); err == nil {
		t.Error("Expected dialer error")
	}

	if _, err := NewDialer("carrier-pigeon", Options{}); err == nil {
		t.Error("Expected error for unknown transport")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("duplicate Register should panic")
			}
		}()
		Register("test-registry", nil)
	}()
}
