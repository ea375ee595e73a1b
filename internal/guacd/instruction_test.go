package guacd

import (
	"bufio"
	"strings"
	"testing"
)

func TestInstructionString(t *testing.T) {
	tests := []struct {
		name string
		in   instruction
		want string
	}{
		{"opcode only", instruction{opcode: "audio"}, "5.audio;"},
		{"select ssh", instruction{opcode: "select", args: []string{"ssh"}}, "6.select,3.ssh;"},
		{
			"multiple args",
			instruction{opcode: "size", args: []string{"1280", "720", "96"}},
			"4.size,4.1280,3.720,2.96;",
		},
		{"empty arg", instruction{opcode: "connect", args: []string{""}}, "7.connect,0.;"},
		{"unicode length in runes", instruction{opcode: "x", args: []string{"héllo"}}, "1.x,5.héllo;"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadInstruction(t *testing.T) {
	tests := []struct {
		name     string
		wire     string
		opcode   string
		args     []string
	}{
		{"args list", "4.args,13.VERSION_1_5_0,8.hostname,4.port;", "args", []string{"VERSION_1_5_0", "hostname", "port"}},
		{"no args", "5.audio;", "audio", nil},
		{"empty arg", "7.connect,0.;", "connect", []string{""}},
		{"unicode", "1.x,5.héllo;", "x", []string{"héllo"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := readInstruction(bufio.NewReader(strings.NewReader(tt.wire)))
			if err != nil {
				t.Fatalf("readInstruction: %v", err)
			}
			if in.opcode != tt.opcode {
				t.Errorf("opcode = %q, want %q", in.opcode, tt.opcode)
			}
			if len(in.args) != len(tt.args) {
				t.Fatalf("args = %v, want %v", in.args, tt.args)
			}
			for i := range tt.args {
				if in.args[i] != tt.args[i] {
					t.Errorf("arg[%d] = %q, want %q", i, in.args[i], tt.args[i])
				}
			}
		})
	}
}

func TestReadInstructionRoundTrip(t *testing.T) {
	in := instruction{opcode: "connect", args: []string{"VERSION_1_5_0", "host", "22", "", "p@ss,word;"}}
	got, err := readInstruction(bufio.NewReader(strings.NewReader(in.String())))
	if err != nil {
		t.Fatalf("readInstruction: %v", err)
	}
	if got.opcode != in.opcode || len(got.args) != len(in.args) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, in)
	}
	for i := range in.args {
		if got.args[i] != in.args[i] {
			t.Errorf("arg[%d] = %q, want %q", i, got.args[i], in.args[i])
		}
	}
}

func TestReadInstructionMalformed(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{"truncated value", "6.sel"},
		{"missing separator", "3.abc"},
		{"bad length byte", "x.abc;"},
		{"bad separator", "3.abc|"},
		{"oversized length", "999999.x;"},
		{"empty stream", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := readInstruction(bufio.NewReader(strings.NewReader(tt.wire))); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}
