package utils

import (
	"bufio"
	"bytes"
	"context"
	"slices"
	"testing"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	// Scan() should skip the first garbage bytes and find the JPEG
	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}

	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Scan() again should return false (EOF) because the trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestSplitJpegBackToBack(t *testing.T) {
	a := []byte{0xFF, 0xD8, 0x0A, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 0x0B, 0x0B, 0xFF, 0xD9}

	scanner := bufio.NewScanner(bytes.NewReader(append(append([]byte{}, a...), b...)))
	scanner.Split(SplitJpeg)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte{}, scanner.Bytes()...))
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(got))
	}
	if !bytes.Equal(got[0], a) || !bytes.Equal(got[1], b) {
		t.Errorf("Frames split incorrectly: %X", got)
	}
}

func TestDeviceIndex(t *testing.T) {
	tests := []struct {
		in    string
		want  int
		local bool
	}{
		{"0", 0, true},
		{" 2 ", 2, true},
		{"-1", 0, false},
		{"http://192.168.1.5:8080/video", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := DeviceIndex(tt.in)
		if ok != tt.local || got != tt.want {
			t.Errorf("DeviceIndex(%q) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.local)
		}
	}
}

func TestNewFFmpegCaptureCmd(t *testing.T) {
	t.Run("Local device", func(t *testing.T) {
		cmd := NewFFmpegCaptureCmd(context.Background(), CaptureSpec{Source: "1", Local: true, FPS: 30})
		if !slices.Contains(cmd.Args, "/dev/video1") {
			t.Errorf("Expected /dev/video1 input, got %v", cmd.Args)
		}
		if !slices.Contains(cmd.Args, "v4l2") {
			t.Errorf("Expected v4l2 demuxer, got %v", cmd.Args)
		}
	})

	t.Run("Remote URL", func(t *testing.T) {
		url := "http://10.0.0.2:8080/video"
		cmd := NewFFmpegCaptureCmd(context.Background(), CaptureSpec{Source: url, FPS: 15, Width: 640, Height: 480})
		if !slices.Contains(cmd.Args, url) {
			t.Errorf("Expected URL input, got %v", cmd.Args)
		}
		if !slices.Contains(cmd.Args, "scale=640:480") {
			t.Errorf("Expected scale filter, got %v", cmd.Args)
		}
		if !slices.Contains(cmd.Args, "nobuffer") {
			t.Errorf("Expected nobuffer flag, got %v", cmd.Args)
		}
		if cmd.Args[len(cmd.Args)-1] != "-" {
			t.Errorf("Expected output to stdout, got %v", cmd.Args)
		}
	})
}

func TestSplitCommandLine(t *testing.T) {
	name, args, err := SplitCommandLine("python3 -u python/engine.py")
	if err != nil {
		t.Fatal(err)
	}
	if name != "python3" || !slices.Equal(args, []string{"-u", "python/engine.py"}) {
		t.Errorf("Unexpected split: %s %v", name, args)
	}
	if _, _, err := SplitCommandLine("   "); err == nil {
		t.Error("Expected error for empty command")
	}
}

func TestParseEnrolmentName(t *testing.T) {
	tests := []struct {
		path  string
		regno string
		name  string
		ok    bool
	}{
		{"/photos/R001_Alice.jpg", "R001", "Alice", true},
		{"R002_Bob_Smith.PNG", "R002", "Bob Smith", true},
		{"R003_Carol.jpeg", "R003", "Carol", true},
		{"notes.txt", "", "", false},
		{"Alice.jpg", "", "", false},
		{"_Alice.jpg", "", "", false},
		{"R004_.jpg", "", "", false},
	}
	for _, tt := range tests {
		regno, name, ok := ParseEnrolmentName(tt.path)
		if ok != tt.ok || regno != tt.regno || name != tt.name {
			t.Errorf("ParseEnrolmentName(%q) = %q, %q, %v; want %q, %q, %v",
				tt.path, regno, name, ok, tt.regno, tt.name, tt.ok)
		}
	}
}
