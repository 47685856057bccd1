package background

import (
	"errors"
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    []string
	}{
		{
			name:    "simple words",
			command: "echo hello world",
			want:    []string{"echo", "hello", "world"},
		},
		{
			name:    "metacharacters are literal",
			command: "echo a; rm -rf /tmp/should-not-happen",
			want:    []string{"echo", "a;", "rm", "-rf", "/tmp/should-not-happen"},
		},
		{
			name:    "pipe and subshell are literal",
			command: "cat /etc/passwd | tee $(whoami) `id`",
			want:    []string{"cat", "/etc/passwd", "|", "tee", "$(whoami)", "`id`"},
		},
		{
			name:    "double quotes group",
			command: `grep "two words" file.txt`,
			want:    []string{"grep", "two words", "file.txt"},
		},
		{
			name:    "single quotes group",
			command: "sh -c 'not a shell'",
			want:    []string{"sh", "-c", "not a shell"},
		},
		{
			name:    "backslash escapes space",
			command: `ls /tmp/my\ dir`,
			want:    []string{"ls", "/tmp/my dir"},
		},
		{
			name:    "escaped quote inside double quotes",
			command: `echo "say \"hi\""`,
			want:    []string{"echo", `say "hi"`},
		},
		{
			name:    "backslash literal inside double quotes",
			command: `echo "C:\temp"`,
			want:    []string{"echo", `C:\temp`},
		},
		{
			name:    "backslash literal inside single quotes",
			command: `echo 'a\nb'`,
			want:    []string{"echo", `a\nb`},
		},
		{
			name:    "empty quoted argument",
			command: `run "" next`,
			want:    []string{"run", "", "next"},
		},
		{
			name:    "adjacent quoted segments merge",
			command: `echo pre"mid"post`,
			want:    []string{"echo", "premidpost"},
		},
		{
			name:    "tabs and newlines separate",
			command: "a\tb\nc",
			want:    []string{"a", "b", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Tokenize(tt.command)
			if err != nil {
				t.Fatalf("Tokenize(%q): %v", tt.command, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tokenize(%q) = %#v, want %#v", tt.command, got, tt.want)
			}
		})
	}
}

func TestTokenize_Errors(t *testing.T) {
	tests := []struct {
		command string
		want    error
	}{
		{"", ErrEmptyCommand},
		{"   ", ErrEmptyCommand},
		{`echo "open`, ErrUnterminatedQuote},
		{`echo 'open`, ErrUnterminatedQuote},
		{`echo half\`, ErrTrailingBackslash},
	}
	for _, tt := range tests {
		if _, err := Tokenize(tt.command); !errors.Is(err, tt.want) {
			t.Errorf("Tokenize(%q): expected %v, got %v", tt.command, tt.want, err)
		}
	}
}
