// Package language defines the fixed set of programming languages the
// execution fabric recognizes and the engine row each one maps onto.
package language

import "strings"

// ID is a canonical language identifier.
type ID string

const (
	JavaScript ID = "javascript"
	Python     ID = "python"
	TypeScript ID = "typescript"
	Go         ID = "go"
	Rust       ID = "rust"
	Java       ID = "java"
	CSharp     ID = "csharp"
	Cpp        ID = "cpp"
	Ruby       ID = "ruby"
	PHP        ID = "php"
	Lua        ID = "lua"
	Bash       ID = "bash"
	R          ID = "r"
	Julia      ID = "julia"
	Kotlin     ID = "kotlin"
)

// Mode distinguishes in-process (shared-namespace) languages from
// subprocess-isolated ones.
type Mode int

const (
	Subprocess Mode = iota
	InProcess
)

// Descriptor is the fixed, compile-time-known metadata for one language.
type Descriptor struct {
	ID            ID
	Letter        byte // engine row letter, 'a'..'o'
	MaxPositions  int
	Mode          Mode
	FileExtension string
	CommentStyle  CommentStyle
}

// CommentStyle names how a language spells a line/block comment, used
// when stamping the provenance header onto a promoted snippet file.
type CommentStyle int

const (
	CommentSlashSlash CommentStyle = iota
	CommentHash
	CommentDoubleDash
	CommentPHPBlock
)

// Primary is the language given 64 positions instead of 16 and the
// in-process (shared-namespace) execution mode.
const Primary ID = Python

var descriptors = []Descriptor{
	{ID: Python, Letter: 'a', MaxPositions: 64, Mode: InProcess, FileExtension: "py", CommentStyle: CommentHash},
	{ID: JavaScript, Letter: 'b', MaxPositions: 16, Mode: Subprocess, FileExtension: "js", CommentStyle: CommentSlashSlash},
	{ID: TypeScript, Letter: 'c', MaxPositions: 16, Mode: Subprocess, FileExtension: "ts", CommentStyle: CommentSlashSlash},
	{ID: Go, Letter: 'd', MaxPositions: 16, Mode: Subprocess, FileExtension: "go", CommentStyle: CommentSlashSlash},
	{ID: Rust, Letter: 'e', MaxPositions: 16, Mode: Subprocess, FileExtension: "rs", CommentStyle: CommentSlashSlash},
	{ID: Java, Letter: 'f', MaxPositions: 16, Mode: Subprocess, FileExtension: "java", CommentStyle: CommentSlashSlash},
	{ID: CSharp, Letter: 'g', MaxPositions: 16, Mode: Subprocess, FileExtension: "cs", CommentStyle: CommentSlashSlash},
	{ID: Cpp, Letter: 'h', MaxPositions: 16, Mode: Subprocess, FileExtension: "cpp", CommentStyle: CommentSlashSlash},
	{ID: Ruby, Letter: 'i', MaxPositions: 16, Mode: Subprocess, FileExtension: "rb", CommentStyle: CommentHash},
	{ID: PHP, Letter: 'j', MaxPositions: 16, Mode: Subprocess, FileExtension: "php", CommentStyle: CommentPHPBlock},
	{ID: Lua, Letter: 'k', MaxPositions: 16, Mode: Subprocess, FileExtension: "lua", CommentStyle: CommentDoubleDash},
	{ID: Bash, Letter: 'l', MaxPositions: 16, Mode: Subprocess, FileExtension: "sh", CommentStyle: CommentHash},
	{ID: R, Letter: 'm', MaxPositions: 16, Mode: Subprocess, FileExtension: "r", CommentStyle: CommentHash},
	{ID: Julia, Letter: 'n', MaxPositions: 16, Mode: Subprocess, FileExtension: "jl", CommentStyle: CommentHash},
	{ID: Kotlin, Letter: 'o', MaxPositions: 16, Mode: Subprocess, FileExtension: "kt", CommentStyle: CommentSlashSlash},
}

var (
	byID     = map[ID]Descriptor{}
	byLetter = map[byte]Descriptor{}
)

func init() {
	for _, d := range descriptors {
		byID[d.ID] = d
		byLetter[d.Letter] = d
	}
}

// All returns the fixed descriptor list in row-major (letter) order.
func All() []Descriptor {
	out := make([]Descriptor, len(descriptors))
	copy(out, descriptors)
	return out
}

// ByID looks up a language's descriptor by canonical id.
func ByID(id ID) (Descriptor, bool) {
	d, ok := byID[id]
	return d, ok
}

// ByLetter looks up a language's descriptor by engine-row letter.
func ByLetter(letter byte) (Descriptor, bool) {
	d, ok := byLetter[strings.ToLower(string(letter))[0]]
	return d, ok
}

// Parse resolves a free-form string into a language ID, case-insensitively.
func Parse(s string) (ID, bool) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := byID[id]; ok {
		return id, true
	}
	return "", false
}

// TotalCapacity is the sum of every engine row's MaxPositions.
func TotalCapacity() int {
	total := 0
	for _, d := range descriptors {
		total += d.MaxPositions
	}
	return total
}
