package operation

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/bamsammich/ferry/internal/transport"
)

// ArchiveFormat selects the container written in archive mode.
type ArchiveFormat int

const (
	ArchiveTar ArchiveFormat = iota
	ArchiveZip
)

// Compression selects how archive members are compressed. Gzip and Zstd
// apply to tar, Store and Deflate to zip.
type Compression int

const (
	CompressNone Compression = iota
	CompressGzip
	CompressZstd
	CompressDeflate
)

// ArchiveOptions configures archive mode. Level zero means the
// compressor's default.
type ArchiveOptions struct {
	Format      ArchiveFormat
	Compression Compression
	Level       int
}

// ParseArchiveFormat maps a format name such as "tar.zst" or "zip" to
// options.
func ParseArchiveFormat(name string) (ArchiveOptions, error) {
	switch strings.ToLower(name) {
	case "tar":
		return ArchiveOptions{Format: ArchiveTar}, nil
	case "tar.gz", "tgz":
		return ArchiveOptions{Format: ArchiveTar, Compression: CompressGzip}, nil
	case "tar.zst", "tzst":
		return ArchiveOptions{Format: ArchiveTar, Compression: CompressZstd}, nil
	case "zip":
		return ArchiveOptions{Format: ArchiveZip, Compression: CompressDeflate}, nil
	case "zip-store":
		return ArchiveOptions{Format: ArchiveZip}, nil
	default:
		return ArchiveOptions{}, fmt.Errorf("unknown archive format %q", name)
	}
}

// Extension returns the conventional file suffix.
func (a ArchiveOptions) Extension() string {
	if a.Format == ArchiveZip {
		return ".zip"
	}
	switch a.Compression {
	case CompressGzip:
		return ".tar.gz"
	case CompressZstd:
		return ".tar.zst"
	default:
		return ".tar"
	}
}

func (a ArchiveOptions) validate() error {
	switch a.Format {
	case ArchiveTar:
		if a.Compression == CompressDeflate {
			return fmt.Errorf("tar does not support deflate; use gzip")
		}
	case ArchiveZip:
		if a.Compression == CompressGzip || a.Compression == CompressZstd {
			return fmt.Errorf("zip supports store or deflate only")
		}
	default:
		return fmt.Errorf("unknown archive format %d", a.Format)
	}
	return nil
}

// member is one archive entry.
type member struct {
	Name       string
	Type       transport.EntryType
	Size       int64
	Mode       fs.FileMode
	MTime      time.Time
	LinkTarget string
}

type archiveWriter interface {
	// Add starts m. File contents are written to the returned writer
	// before the next Add.
	Add(m member) (io.Writer, error)
	Close() error
}

func newArchiveWriter(w io.Writer, opts ArchiveOptions) (archiveWriter, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Format == ArchiveZip {
		return newZipWriter(w, opts), nil
	}
	return newTarWriter(w, opts)
}

type tarWriter struct {
	tw   *tar.Writer
	comp io.WriteCloser
}

func newTarWriter(w io.Writer, opts ArchiveOptions) (*tarWriter, error) {
	t := &tarWriter{}
	switch opts.Compression {
	case CompressGzip:
		level := opts.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		gz, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		t.comp = gz
	case CompressZstd:
		eopts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
		if opts.Level > 0 {
			eopts = append(eopts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)))
		}
		zw, err := zstd.NewWriter(w, eopts...)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		t.comp = zw
	}

	if t.comp != nil {
		t.tw = tar.NewWriter(t.comp)
	} else {
		t.tw = tar.NewWriter(w)
	}
	return t, nil
}

func (t *tarWriter) Add(m member) (io.Writer, error) {
	hdr := &tar.Header{
		Name:    m.Name,
		Mode:    int64(m.Mode.Perm()),
		ModTime: m.MTime,
		Format:  tar.FormatPAX,
	}
	switch m.Type {
	case transport.TypeDirectory:
		hdr.Typeflag = tar.TypeDir
		hdr.Name = strings.TrimSuffix(m.Name, "/") + "/"
	case transport.TypeSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = m.LinkTarget
	case transport.TypeRegular:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = m.Size
	default:
		return nil, fmt.Errorf("cannot archive %s %s", m.Type, m.Name)
	}
	if err := t.tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	return t.tw, nil
}

func (t *tarWriter) Close() error {
	err := t.tw.Close()
	if t.comp != nil {
		if cerr := t.comp.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type zipWriter struct {
	zw     *zip.Writer
	method uint16
}

func newZipWriter(w io.Writer, opts ArchiveOptions) *zipWriter {
	z := &zipWriter{zw: zip.NewWriter(w), method: zip.Store}
	if opts.Compression == CompressDeflate {
		z.method = zip.Deflate
		level := opts.Level
		if level == 0 {
			level = flate.DefaultCompression
		}
		z.zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, level)
		})
	}
	return z
}

func (z *zipWriter) Add(m member) (io.Writer, error) {
	hdr := &zip.FileHeader{
		Name:     m.Name,
		Method:   z.method,
		Modified: m.MTime,
	}
	switch m.Type {
	case transport.TypeDirectory:
		hdr.Name = strings.TrimSuffix(m.Name, "/") + "/"
		hdr.Method = zip.Store
		hdr.SetMode(fs.ModeDir | m.Mode.Perm())
	case transport.TypeSymlink:
		hdr.Method = zip.Store
		hdr.SetMode(fs.ModeSymlink | 0o777)
		w, err := z.zw.CreateHeader(hdr)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, m.LinkTarget); err != nil {
			return nil, err
		}
		return w, nil
	case transport.TypeRegular:
		hdr.SetMode(m.Mode.Perm())
	default:
		return nil, fmt.Errorf("cannot archive %s %s", m.Type, m.Name)
	}
	return z.zw.CreateHeader(hdr)
}

func (z *zipWriter) Close() error { return z.zw.Close() }
