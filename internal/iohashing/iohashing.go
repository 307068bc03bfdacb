// Package iohashing implements capsule's input/output fingerprinting
// scheme: hashing declared files and tool tags into order-independent
// digests that identify a capsule invocation and the outputs it
// produced.
//
// A set's aggregate digest is the SHA-256 of the concatenation of its
// sorted per-item digests (themselves hex-encoded strings, concatenated
// as bytes rather than re-hashed in binary form, matching the reference
// implementation this was ported from). This makes the aggregate
// invariant to insertion order while still letting callers inspect
// individual item digests, e.g. for size-capped observability payloads.
package iohashing

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sort"

	digest "github.com/opencontainers/go-digest"
)

// bufSize bounds the memory used to hash any single file; files are
// streamed through this buffer rather than loaded whole.
const bufSize = 4096

// Digest is capsule's canonical content-hash type: a hex-encoded
// SHA-256, using go-digest's "alg:hex" string form as the content
// address for cache keys (algorithm is always digest.SHA256).
type Digest = digest.Digest

// emptyDigest is the digest of the empty byte string, the hash of an
// empty InputSet/OutputSet.
var emptyDigest = digest.SHA256.FromBytes(nil)

// Input is a single capsule input: either a filesystem path (hashed by
// content) or an opaque tool-version tag (hashed by its literal bytes).
type Input struct {
	Kind InputKind `json:"kind"`
	// Path holds the filesystem path when Kind == InputFile.
	Path string `json:"path,omitempty"`
	// Tag holds the opaque version string when Kind == InputToolTag.
	Tag string `json:"tag,omitempty"`
}

// InputKind discriminates the Input union.
type InputKind int

const (
	InputFile InputKind = iota
	InputToolTag
)

// File constructs a File input.
func File(path string) Input { return Input{Kind: InputFile, Path: path} }

// ToolTag constructs a ToolTag input.
func ToolTag(tag string) Input { return Input{Kind: InputToolTag, Tag: tag} }

// String renders an Input for diagnostics.
func (i Input) String() string {
	switch i.Kind {
	case InputToolTag:
		return fmt.Sprintf("ToolTag(%s)", i.Tag)
	default:
		return fmt.Sprintf("File(%s)", i.Path)
	}
}

// HashItem pairs an Input/Output with its own per-item digest, in the
// order used for the aggregate hash.
//
// Digest is domain-separated (e.g. "sha256:File<hex>") so inputs of
// different kinds can never collide when sorted for the aggregate
// hash; it must never be used as a content-addressed storage key.
// ContentDigest is the pure SHA-256 of the item's actual bytes (file
// content, or the tag/exit-code/stream bytes for non-file kinds),
// with no domain prefix — this is the value blob storage is keyed and
// verified against.
type HashItem struct {
	Input         Input  `json:"input"`
	Digest        Digest `json:"digest"`
	ContentDigest Digest `json:"contentDigest"`
}

// InputHashBundle is the aggregate hash over an InputSet together with
// the ordered per-item digests that produced it.
type InputHashBundle struct {
	Hash  Digest     `json:"hash"`
	Items []HashItem `json:"items"`
}

// InputSet is an ordered sequence of Inputs, typically produced by
// expanding declared glob patterns. Duplicates are permitted.
type InputSet struct {
	Inputs []Input
}

// Add appends an Input to the set.
func (s *InputSet) Add(in Input) {
	s.Inputs = append(s.Inputs, in)
}

// HashFile returns the SHA-256 digest of a file's content, streamed
// through a bounded buffer so no file is loaded fully into memory.
func HashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("reading input file %q: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, bufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("reading input file %q: %w", path, err)
	}
	return digest.NewDigest(digest.SHA256, h), nil
}

func hashBytes(b []byte) Digest {
	return digest.SHA256.FromBytes(b)
}

// itemTag formats a per-item digest with its domain-separation prefix,
// so inputs of different kinds can never collide ("File" vs "ToolTag").
func itemTag(kind, digestHex string) string {
	return kind + digestHex
}

// Hash returns just the aggregate hash of the InputSet, discarding the
// per-item detail.
func (s InputSet) Hash() (Digest, error) {
	bundle, err := s.HashBundle()
	if err != nil {
		return "", err
	}
	return bundle.Hash, nil
}

// HashBundle computes the full input hash bundle: each input's
// domain-separated per-item digest, sorted tool-tags-first then by
// digest, and the aggregate hash over that order.
//
// Tool tags sort ahead of files (rather than being interleaved purely
// by digest value) so that a size-capped observability payload built
// from the front of Items still shows tool tags first — they're
// usually the more actionable signal when truncated.
func (s InputSet) HashBundle() (InputHashBundle, error) {
	items := make([]HashItem, 0, len(s.Inputs))
	for _, in := range s.Inputs {
		var content Digest
		var tag string
		switch in.Kind {
		case InputFile:
			d, err := HashFile(in.Path)
			if err != nil {
				return InputHashBundle{}, err
			}
			content = d
			tag = itemTag("File", d.Encoded())
		case InputToolTag:
			d := hashBytes([]byte(in.Tag))
			content = d
			tag = itemTag("ToolTag", d.Encoded())
		default:
			return InputHashBundle{}, fmt.Errorf("unknown input kind %v", in.Kind)
		}
		items = append(items, HashItem{Input: in, Digest: digest.Digest("sha256:" + tag), ContentDigest: content})
	}

	sort.SliceStable(items, func(i, j int) bool {
		iTag, jTag := items[i].Input.Kind == InputToolTag, items[j].Input.Kind == InputToolTag
		if iTag != jTag {
			return iTag // tool tags sort first
		}
		return items[i].Digest < items[j].Digest
	})

	return InputHashBundle{Hash: bundleHash(items), Items: items}, nil
}

// bundleHash is the SHA-256 over the concatenation of each item's
// encoded digest *string* (not its raw binary digest) in the supplied
// order. Concatenating the hex strings rather than re-hashing raw
// bytes matches the reference bundle_hash implementation and keeps
// hashes reproducible against it.
func bundleHash(items []HashItem) Digest {
	var buf bytes.Buffer
	for _, it := range items {
		buf.WriteString(string(it.Digest))
	}
	return hashBytes(buf.Bytes())
}

// EmptyDigest is the digest of an empty input or output set.
func EmptyDigest() Digest {
	return emptyDigest
}

// Output is a single capsule output: a declared output file (possibly
// absent) or the wrapped command's exit code.
type Output struct {
	Kind OutputKind `json:"kind"`

	// Path, Present and Mode are set when Kind == OutputFile.
	Path    string      `json:"path,omitempty"`
	Present bool        `json:"present,omitempty"`
	Mode    os.FileMode `json:"mode,omitempty"`

	// Code is set when Kind == OutputExitCode.
	Code int `json:"code,omitempty"`

	// Bytes holds captured stdout/stderr content when Kind is
	// OutputStdout or OutputStderr (see SPEC_FULL.md §3).
	Bytes []byte `json:"bytes,omitempty"`
}

// OutputKind discriminates the Output union.
type OutputKind int

const (
	OutputFile OutputKind = iota
	OutputExitCode
	OutputStdout
	OutputStderr
)

// FileOutput constructs a File output.
func FileOutput(path string, present bool, mode os.FileMode) Output {
	return Output{Kind: OutputFile, Path: path, Present: present, Mode: mode}
}

// ExitCodeOutput constructs an ExitCode output.
func ExitCodeOutput(code int) Output {
	return Output{Kind: OutputExitCode, Code: code}
}

// StdoutOutput constructs a captured-stdout output.
func StdoutOutput(b []byte) Output {
	return Output{Kind: OutputStdout, Bytes: b}
}

// StderrOutput constructs a captured-stderr output.
func StderrOutput(b []byte) Output {
	return Output{Kind: OutputStderr, Bytes: b}
}

// OutputHashItem pairs an Output with its per-item digest.
//
// Digest is domain-separated the same way HashItem's is, for the same
// reason; ContentDigest is the pure content hash and is what blob
// storage keys and verifies output files against.
type OutputHashItem struct {
	Output        Output `json:"output"`
	Digest        Digest `json:"digest"`
	ContentDigest Digest `json:"contentDigest"`
}

// OutputHashBundle is the aggregate hash over an OutputSet, symmetric
// to InputHashBundle but sorted solely by digest (outputs have no
// tool-tag-priority ordering concern).
type OutputHashBundle struct {
	Hash  Digest           `json:"hash"`
	Items []OutputHashItem `json:"items"`
}

// OutputSet is an ordered sequence of Outputs.
type OutputSet struct {
	Outputs []Output
}

// Add appends an Output to the set.
func (s *OutputSet) Add(out Output) {
	s.Outputs = append(s.Outputs, out)
}

// nonExistentDigest is the sentinel digest for a declared output file
// that was not present after the wrapped command ran. It must never
// collide with the digest of any real file content, including the
// empty file, so it is not itself a valid hex SHA-256 string.
const nonExistentDigest = "sha256:FileNonExistent0000000000000000000000000000000000000000000000"

// Hash returns just the aggregate hash of the OutputSet.
func (s OutputSet) Hash() (Digest, error) {
	bundle, err := s.HashBundle()
	if err != nil {
		return "", err
	}
	return bundle.Hash, nil
}

// HashBundle computes the full output hash bundle.
func (s OutputSet) HashBundle() (OutputHashBundle, error) {
	items := make([]OutputHashItem, 0, len(s.Outputs))
	for _, out := range s.Outputs {
		var tag, content Digest
		switch out.Kind {
		case OutputFile:
			if !out.Present {
				tag = nonExistentDigest
				break
			}
			d, err := HashFile(out.Path)
			if err != nil {
				return OutputHashBundle{}, err
			}
			content = d
			tag = digest.Digest("sha256:" + itemTag("File", d.Encoded()))
		case OutputExitCode:
			content = hashBytes([]byte(fmt.Sprint(out.Code)))
			tag = digest.Digest("sha256:" + itemTag("ExitCode", fmt.Sprint(out.Code)))
		case OutputStdout:
			content = hashBytes(out.Bytes)
			tag = digest.Digest("sha256:" + itemTag("Stdout", content.Encoded()))
		case OutputStderr:
			content = hashBytes(out.Bytes)
			tag = digest.Digest("sha256:" + itemTag("Stderr", content.Encoded()))
		default:
			return OutputHashBundle{}, fmt.Errorf("unknown output kind %v", out.Kind)
		}
		items = append(items, OutputHashItem{Output: out, Digest: tag, ContentDigest: content})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Digest < items[j].Digest })

	var buf bytes.Buffer
	for _, it := range items {
		buf.WriteString(string(it.Digest))
	}

	return OutputHashBundle{Hash: hashBytes(buf.Bytes()), Items: items}, nil
}

// InputOutputBundle is the persisted cache record.
type InputOutputBundle struct {
	Inputs  InputHashBundle  `json:"inputs"`
	Outputs OutputHashBundle `json:"outputs"`
	// Source is free-form provenance, e.g. the job URL that produced
	// this entry.
	Source string `json:"source"`
}
