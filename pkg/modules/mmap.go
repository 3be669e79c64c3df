package modules

import (
	"bytes"
	"debug/elf"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// image is a read-only mapping of an executable file together with the
// decodable (non-writable, loadable) ranges inside it.
type image struct {
	mapped []byte
	segs   []segment
	size   uint64 // span of the loaded image in bytes
}

// mapExecutable memory-maps the executable at path read-only and derives the
// decodable segments from its program headers. Writable segments are not
// exposed for decoding. Non-ELF files are exposed as a single raw segment.
func mapExecutable(path string) (*image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return nil, errors.New("empty file")
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}
	img := &image{mapped: data}

	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		// Not an ELF image, expose the raw file bytes as one segment.
		img.segs = []segment{{0, data}}
		img.size = uint64(len(data))
		return img, nil
	}

	// The recorded module offsets are relative to the lowest loaded vaddr.
	var loadBase, loadEnd uint64
	first := true
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if first || p.Vaddr < loadBase {
			loadBase = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; end > loadEnd {
			loadEnd = end
		}
		first = false
	}
	if first {
		img.segs = []segment{{0, data}}
		img.size = uint64(len(data))
		return img, nil
	}
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_W != 0 {
			continue
		}
		end := p.Off + p.Filesz
		if p.Off > uint64(len(data)) || end > uint64(len(data)) {
			img.close()
			return nil, errors.New("segment exceeds file size")
		}
		img.segs = append(img.segs, segment{off: p.Vaddr - loadBase, data: data[p.Off:end]})
	}
	img.size = loadEnd - loadBase
	return img, nil
}

func (i *image) close() error {
	return unix.Munmap(i.mapped)
}
