package control

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"path"
)

// DownloadChunkSize is the DOWNLOAD_FILE packet payload size (spec
// §4.7: "chunks of 200 bytes"), grounded on command_handler.cpp's
// `packet_size = 200`.
const DownloadChunkSize = 200

// dirEntryDir / dirEntryFile are the SD directory listing's type bytes
// (spec §6): 0xF0 for directories, 0x0F for files.
const (
	dirEntryDir  = 0xF0
	dirEntryFile = 0x0F
)

// ErrFileNotFound is returned by SendFile/DeleteFile when the named
// path does not exist on the filesystem.
var ErrFileNotFound = errors.New("control: file not found")

// SendFile implements the DOWNLOAD_FILE action (spec §4.7): it streams
// path's content through send as a sequence of DATA messages, each
// carrying (packet_number u32 BE, length u16 BE, bytes) of at most
// DownloadChunkSize bytes, and closes with an empty ACK. A missing file
// sends NACK and returns ErrFileNotFound.
func SendFile(fsys FileSystem, filePath string, send func(Message) error) error {
	if !fsys.Exists(filePath) {
		_ = send(NACK())
		return ErrFileNotFound
	}
	f, err := fsys.OpenRead(filePath)
	if err != nil {
		_ = send(NACK())
		return err
	}
	defer f.Close()

	buf := make([]byte, DownloadChunkSize)
	var packetNumber uint32
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			payload := make([]byte, 6+n)
			binary.BigEndian.PutUint32(payload[0:4], packetNumber)
			binary.BigEndian.PutUint16(payload[4:6], uint16(n))
			copy(payload[6:], buf[:n])
			if err := send(DataMessage(payload)); err != nil {
				return err
			}
			packetNumber++
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
		if n < DownloadChunkSize {
			break
		}
	}
	return send(ACK())
}

// DeleteFile implements the DELETE_FILE action.
func DeleteFile(fsys FileSystem, filePath string, send func(Message) error) error {
	if !fsys.Exists(filePath) {
		return send(NACK())
	}
	if err := fsys.Remove(filePath); err != nil {
		return send(NACK())
	}
	return send(ACK())
}

// ErrOutOfOrderPacket is returned by UploadSession.Accept when a
// packet's sequence number does not match the expected next one (spec
// §4.7: "the device ... rejects out-of-order ones").
var ErrOutOfOrderPacket = errors.New("control: out-of-order upload packet")

// UploadSession drives the UPDATE_SD receive direction across multiple
// ACTION messages: the first message names the destination file, and
// each subsequent message carries one (packet_number u32 LE, length u8,
// bytes) chunk, grounded on command_handler.cpp's UPDATE_SD branch.
type UploadSession struct {
	fsys     FileSystem
	w        io.WriteCloser
	expected uint32
	open     bool
}

// NewUploadSession creates an idle session bound to fsys.
func NewUploadSession(fsys FileSystem) *UploadSession {
	return &UploadSession{fsys: fsys}
}

// Active reports whether a file transfer is in progress.
func (s *UploadSession) Active() bool { return s.open }

// Begin opens filename for writing and resets the expected packet
// counter to 0.
func (s *UploadSession) Begin(filename string) (Message, error) {
	w, err := s.fsys.OpenWrite(filename)
	if err != nil {
		return NACK(), err
	}
	s.w = w
	s.expected = 0
	s.open = true
	return ACK(), nil
}

// Accept processes one upload-packet payload. On success it writes the
// packet's bytes and returns ACK; on an out-of-order packet or a write
// failure it closes the file, ends the session, and returns NACK plus
// the error.
func (s *UploadSession) Accept(data []byte) (Message, error) {
	if !s.open {
		return NACK(), errors.New("control: no upload in progress")
	}
	if len(data) < 5 {
		s.abort()
		return NACK(), ErrBadFraming
	}
	packetNumber := binary.LittleEndian.Uint32(data[0:4])
	length := int(data[4])
	if len(data) < 5+length {
		s.abort()
		return NACK(), ErrBadFraming
	}
	if packetNumber != s.expected {
		s.abort()
		return NACK(), ErrOutOfOrderPacket
	}
	if _, err := s.w.Write(data[5 : 5+length]); err != nil {
		s.abort()
		return NACK(), err
	}
	s.expected++
	return ACK(), nil
}

// Close ends the session normally, closing the destination file.
func (s *UploadSession) Close() error {
	if !s.open {
		return nil
	}
	s.open = false
	w := s.w
	s.w = nil
	return w.Close()
}

func (s *UploadSession) abort() {
	if s.w != nil {
		_ = s.w.Close()
	}
	s.w = nil
	s.open = false
}

// EncodeDirectoryListing implements the UPDATE_SD (no-payload) request
// direction: a depth-first, hierarchical listing of fsys starting at
// "/", one payload per directory, terminated by a trailing single
// 0x00 byte (spec §6's format). sdPresent=false reproduces
// sendSDContents' "no SD inserted" branch: a single null payload and
// nothing else.
func EncodeDirectoryListing(fsys FileSystem, sdPresent bool) ([][]byte, error) {
	if !sdPresent {
		return [][]byte{{0}}, nil
	}
	var out [][]byte
	if err := walkDirectory(fsys, "/", &out); err != nil {
		return nil, err
	}
	out = append(out, []byte{0})
	return out, nil
}

func walkDirectory(fsys FileSystem, dir string, out *[][]byte) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString(dir)
	buf.WriteByte(0)

	var subdirs []string
	for _, e := range entries {
		if e.IsDir {
			buf.WriteByte(dirEntryDir)
			subdirs = append(subdirs, e.Name)
		} else {
			buf.WriteByte(dirEntryFile)
		}
		buf.WriteString(e.Name)
		buf.WriteByte(0)
	}
	*out = append(*out, buf.Bytes())

	for _, name := range subdirs {
		if err := walkDirectory(fsys, path.Join(dir, name), out); err != nil {
			return err
		}
	}
	return nil
}
