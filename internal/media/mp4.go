package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"tessera/internal/keys"
)

// containers are boxes whose payload is a list of boxes.
var containers = map[string]bool{
	"moov": true, "trak": true, "mdia": true, "minf": true,
	"stbl": true, "sinf": true, "schi": true, "moof": true, "traf": true,
}

// sampleEntryHeader is the fixed prefix of protected sample entries before
// their child boxes.
var sampleEntryHeader = map[string]int{
	"encv": 78,
	"enca": 28,
}

const maxInitSegment = 16 << 20

// TrackKIDFromFile reads the default KID from the tenc box of the init
// segment at the start of path.
func TrackKIDFromFile(path string) (keys.KID, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return keys.KID{}, false, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxInitSegment))
	if err != nil {
		return keys.KID{}, false, err
	}
	return TrackKID(data)
}

// TrackKID finds the first tenc box in an ISO BMFF init segment and
// returns its default KID. ok is false when the segment is not protected.
func TrackKID(data []byte) (keys.KID, bool, error) {
	return walk(data, 0)
}

func walk(data []byte, depth int) (keys.KID, bool, error) {
	if depth > 16 {
		return keys.KID{}, false, errors.New("mp4 boxes nested too deeply")
	}
	for len(data) >= 8 {
		size := uint64(binary.BigEndian.Uint32(data[:4]))
		boxType := string(data[4:8])
		header := uint64(8)
		switch size {
		case 0:
			size = uint64(len(data))
		case 1:
			if len(data) < 16 {
				return keys.KID{}, false, errors.New("truncated mp4 box header")
			}
			size = binary.BigEndian.Uint64(data[8:16])
			header = 16
		}
		if size < header || size > uint64(len(data)) {
			return keys.KID{}, false, fmt.Errorf("invalid size %d for mp4 box %q", size, boxType)
		}
		payload := data[header:size]

		switch {
		case boxType == "tenc":
			// full box header, then four bytes of flags before the KID
			if len(payload) < 8+16 {
				return keys.KID{}, false, errors.New("truncated tenc box")
			}
			kid, err := keys.KIDFromBytes(payload[8:24])
			return kid, err == nil, err
		case boxType == "stsd":
			if len(payload) < 8 {
				return keys.KID{}, false, errors.New("truncated stsd box")
			}
			if kid, ok, err := walkSampleEntries(payload[8:], depth+1); ok || err != nil {
				return kid, ok, err
			}
		case containers[boxType]:
			if kid, ok, err := walk(payload, depth+1); ok || err != nil {
				return kid, ok, err
			}
		}
		data = data[size:]
	}
	return keys.KID{}, false, nil
}

func walkSampleEntries(data []byte, depth int) (keys.KID, bool, error) {
	for len(data) >= 8 {
		size := int(binary.BigEndian.Uint32(data[:4]))
		entryType := string(data[4:8])
		if size < 8 || size > len(data) {
			return keys.KID{}, false, fmt.Errorf("invalid size %d for sample entry %q", size, entryType)
		}
		if skip, ok := sampleEntryHeader[entryType]; ok && size >= 8+skip {
			if kid, found, err := walk(data[8+skip:size], depth+1); found || err != nil {
				return kid, found, err
			}
		}
		data = data[size:]
	}
	return keys.KID{}, false, nil
}
