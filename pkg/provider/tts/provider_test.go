package tts

import "testing"

func TestParsePCMMIME(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime     string
		rate     int
		channels int
		wantErr  bool
	}{
		{mime: "audio/L16;codec=pcm;rate=24000", rate: 24000, channels: 1},
		{mime: "audio/pcm;rate=16000", rate: 16000, channels: 1},
		{mime: "audio/pcm", rate: 22050, channels: 1},
		{mime: "audio/L16;rate=48000;channels=2", rate: 48000, channels: 2},
		{mime: "audio/mpeg", wantErr: true},
		{mime: ";;", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			t.Parallel()
			rate, ch, err := ParsePCMMIME(tt.mime, 22050)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePCMMIME: %v", err)
			}
			if rate != tt.rate || ch != tt.channels {
				t.Errorf("got (%d, %d), want (%d, %d)", rate, ch, tt.rate, tt.channels)
			}
		})
	}
}

func TestRequest_Validate(t *testing.T) {
	t.Parallel()
	if err := (Request{Text: "  \n"}).Validate(); err == nil {
		t.Error("blank text accepted")
	}
	if err := (Request{Text: "hello"}).Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
