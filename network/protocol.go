package network

import (
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// ControlPrefix marks every non-chat line on the wire.
	ControlPrefix = "CMD:"
	// MaxFilenameLength bounds the transmitted filename in bytes.
	MaxFilenameLength = 255

	commandTypingStart  = "TYPING:START"
	commandTypingStop   = "TYPING:STOP"
	commandFileTransfer = "FILE_TRANSFER:"
	fieldDelimiter      = ":"

	// encodeChunkSize is the read size used while streaming file bytes.
	encodeChunkSize = 3 * 256 * 1024
)

// FrameKind identifies one of the wire message kinds.
type FrameKind int

const (
	FrameChat FrameKind = iota
	FrameTypingStart
	FrameTypingStop
	FrameFileTransfer
)

func (k FrameKind) String() string {
	switch k {
	case FrameChat:
		return "chat"
	case FrameTypingStart:
		return "typing_start"
	case FrameTypingStop:
		return "typing_stop"
	case FrameFileTransfer:
		return "file_transfer"
	default:
		return "unknown"
	}
}

// FilePayload is the body of a file transfer frame. Encoded holds the
// standard padded base64 form of the file bytes exactly as sent.
type FilePayload struct {
	Filename     string
	DeclaredSize int64
	Encoded      string
}

// Frame is one logical message, carried by exactly one line.
type Frame struct {
	Kind FrameKind
	Text string
	File FilePayload
}

// ChatFrame builds a chat frame.
func ChatFrame(text string) Frame {
	return Frame{Kind: FrameChat, Text: text}
}

// TypingFrame builds a typing start or stop frame.
func TypingFrame(started bool) Frame {
	if started {
		return Frame{Kind: FrameTypingStart}
	}
	return Frame{Kind: FrameTypingStop}
}

// FileFrame builds a file transfer frame holding data in encoded form.
func FileFrame(filename string, data []byte) Frame {
	return Frame{
		Kind: FrameFileTransfer,
		File: FilePayload{
			Filename:     filename,
			DeclaredSize: int64(len(data)),
			Encoded:      base64.StdEncoding.EncodeToString(data),
		},
	}
}

// Encode renders a frame as one line without the trailing newline.
func Encode(frame Frame) (string, error) {
	switch frame.Kind {
	case FrameChat:
		if err := validateChatText(frame.Text); err != nil {
			return "", err
		}
		return frame.Text, nil
	case FrameTypingStart:
		return ControlPrefix + commandTypingStart, nil
	case FrameTypingStop:
		return ControlPrefix + commandTypingStop, nil
	case FrameFileTransfer:
		if err := ValidateFilename(frame.File.Filename); err != nil {
			return "", err
		}
		if frame.File.DeclaredSize < 0 {
			return "", fmt.Errorf("encode file frame: negative size %d", frame.File.DeclaredSize)
		}
		if strings.ContainsAny(frame.File.Encoded, "\r\n") {
			return "", fmt.Errorf("encode file frame: encoded payload contains a line break")
		}
		return fileFrameHeader(frame.File.Filename, frame.File.DeclaredSize) + frame.File.Encoded, nil
	default:
		return "", fmt.Errorf("encode frame: unknown kind %d", frame.Kind)
	}
}

// Decode parses one line (without its terminator). Lines without the control
// prefix are chat text, verbatim.
func Decode(line string) (Frame, error) {
	command, ok := strings.CutPrefix(line, ControlPrefix)
	if !ok {
		return ChatFrame(line), nil
	}

	switch {
	case command == commandTypingStart:
		return TypingFrame(true), nil
	case command == commandTypingStop:
		return TypingFrame(false), nil
	case strings.HasPrefix(command, commandFileTransfer):
		payload, err := decodeFilePayload(command[len(commandFileTransfer):])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameFileTransfer, File: payload}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownCommand, truncateForError(command))
	}
}

func decodeFilePayload(body string) (FilePayload, error) {
	parts := strings.SplitN(body, fieldDelimiter, 3)
	if len(parts) != 3 {
		return FilePayload{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformedFrame, len(parts))
	}
	if parts[0] == "" {
		return FilePayload{}, fmt.Errorf("%w: empty filename", ErrMalformedFrame)
	}

	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return FilePayload{}, fmt.Errorf("%w: invalid byte count %q", ErrMalformedFrame, truncateForError(parts[1]))
	}

	return FilePayload{
		Filename:     parts[0],
		DeclaredSize: size,
		Encoded:      parts[2],
	}, nil
}

// Bytes decodes the payload and checks it against the declared size.
func (p FilePayload) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(p.Encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if int64(len(data)) != p.DeclaredSize {
		return nil, fmt.Errorf("%w: expected %d bytes, received %d", ErrSizeMismatch, p.DeclaredSize, len(data))
	}
	return data, nil
}

// WriteFileFrame streams one complete file transfer line, newline included,
// reading exactly size bytes from r. The bytes written are identical to
// Encode(FileFrame(filename, data)) + "\n".
//
// If r fails or runs short the line is still terminated, so the peer sees a
// single malformed frame instead of a corrupted stream. Write failures on w
// are returned as they occur.
func WriteFileFrame(w io.Writer, filename string, size int64, r io.Reader) (int64, error) {
	if err := ValidateFilename(filename); err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, fmt.Errorf("write file frame: negative size %d", size)
	}

	if _, err := io.WriteString(w, fileFrameHeader(filename, size)); err != nil {
		return 0, err
	}

	encoder := base64.NewEncoder(base64.StdEncoding, w)
	buf := make([]byte, encodeChunkSize)
	n, copyErr := io.CopyBuffer(encoder, io.LimitReader(r, size), buf)
	if err := encoder.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return n, err
	}
	if copyErr != nil {
		return n, copyErr
	}
	if n != size {
		return n, fmt.Errorf("%w: source ended after %d of %d bytes", ErrSizeMismatch, n, size)
	}
	return n, nil
}

// ValidateFilename reports whether name can travel inside a file frame.
func ValidateFilename(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidFilename)
	case len(name) > MaxFilenameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidFilename, MaxFilenameLength)
	case strings.Contains(name, fieldDelimiter):
		return fmt.Errorf("%w: contains %q", ErrInvalidFilename, fieldDelimiter)
	case strings.ContainsAny(name, "\r\n"):
		return fmt.Errorf("%w: contains a line break", ErrInvalidFilename)
	}
	return nil
}

// SanitizeFilename maps characters the codec rejects to underscores.
func SanitizeFilename(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == ':' || r == '\r' || r == '\n' {
			return '_'
		}
		return r
	}, name)
	if len(cleaned) > MaxFilenameLength {
		cleaned = cleaned[:MaxFilenameLength]
	}
	return cleaned
}

// MaxLineLength returns the longest line a peer can legitimately send when
// files are capped at maxFileSize bytes.
func MaxLineLength(maxFileSize int64) int64 {
	header := len(ControlPrefix) + len(commandFileTransfer) + MaxFilenameLength + 1 + len(strconv.FormatInt(maxFileSize, 10)) + 1
	return int64(header) + int64(base64.StdEncoding.EncodedLen(int(maxFileSize)))
}

func fileFrameHeader(filename string, size int64) string {
	return ControlPrefix + commandFileTransfer + filename + fieldDelimiter + strconv.FormatInt(size, 10) + fieldDelimiter
}

// headerState is how far peekFileHeader got with the start of a line.
type headerState int

const (
	headerPending headerState = iota
	headerReady
	headerNone
)

// maxSizeDigits is the widest decimal int64.
const maxSizeDigits = 19

// peekFileHeader looks at the start of a line still being read. Once the
// filename and size fields of a file frame are complete it returns the
// declared size, the header length and headerReady. Lines that are not file
// frames, or whose header cannot parse, yield headerNone and are left for
// Decode to judge.
func peekFileHeader(start string) (int64, int, headerState) {
	const prefix = ControlPrefix + commandFileTransfer
	if len(start) < len(prefix) {
		if strings.HasPrefix(prefix, start) {
			return 0, 0, headerPending
		}
		return 0, 0, headerNone
	}
	rest, ok := strings.CutPrefix(start, prefix)
	if !ok {
		return 0, 0, headerNone
	}

	name, sizeField, ok := strings.Cut(rest, fieldDelimiter)
	if !ok {
		if len(rest) > MaxFilenameLength || strings.ContainsRune(rest, '\n') {
			return 0, 0, headerNone
		}
		return 0, 0, headerPending
	}
	if name == "" {
		return 0, 0, headerNone
	}

	digits, _, ok := strings.Cut(sizeField, fieldDelimiter)
	if !ok {
		if len(sizeField) > maxSizeDigits || strings.ContainsRune(sizeField, '\n') {
			return 0, 0, headerNone
		}
		return 0, 0, headerPending
	}
	size, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || size < 0 {
		return 0, 0, headerNone
	}
	return size, len(prefix) + len(name) + len(digits) + 2*len(fieldDelimiter), headerReady
}

func validateChatText(text string) error {
	if strings.HasPrefix(text, ControlPrefix) {
		return ErrReservedPrefix
	}
	if strings.ContainsAny(text, "\r\n") {
		return ErrMultilineText
	}
	return nil
}

func truncateForError(s string) string {
	const limit = 64
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
