package cdm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"tessera/internal/keys"
)

// Device is a parsed provisioning file for a local CDM.
type Device struct {
	Path          string
	Scheme        Scheme
	Version       int
	DeviceType    string
	SecurityLevel int
	// PrivateKey and ClientID are set for Widevine devices.
	PrivateKey []byte
	ClientID   []byte
	// GroupKey, EncryptionKey, SigningKey and GroupCertificate are set for
	// PlayReady devices.
	GroupKey         []byte
	EncryptionKey    []byte
	SigningKey       []byte
	GroupCertificate []byte
}

const (
	wvdMagic         = "WVD"
	wvdVersion       = 2
	prdMagic         = "PRD"
	prdVersion       = 3
	prdKeyLength     = 96
	maxDeviceBlobLen = 1 << 20
)

var wvdDeviceTypes = map[byte]string{
	1: "CHROME",
	2: "ANDROID",
}

// LoadDevice reads a .wvd or .prd file.
func LoadDevice(path string) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &keys.DeviceLoadError{Path: path, Remedy: "check paths.device_dir and the cdm name", Err: err}
	}
	dev, err := ParseDevice(data)
	if err != nil {
		var loadErr *keys.DeviceLoadError
		if errors.As(err, &loadErr) {
			loadErr.Path = path
			return nil, loadErr
		}
		return nil, &keys.DeviceLoadError{Path: path, Err: err}
	}
	dev.Path = path
	return dev, nil
}

// ParseDevice decodes device bytes, dispatching on the three-byte magic.
func ParseDevice(data []byte) (*Device, error) {
	if len(data) < 4 {
		return nil, &keys.DeviceLoadError{Err: errors.New("file too short"), Remedy: "re-export the device file"}
	}
	switch string(data[:3]) {
	case wvdMagic:
		return parseWVD(data)
	case prdMagic:
		return parsePRD(data)
	default:
		return nil, &keys.DeviceLoadError{Err: fmt.Errorf("unrecognized magic %q", data[:3]), Remedy: "expected a .wvd or .prd device file"}
	}
}

func parseWVD(data []byte) (*Device, error) {
	version := int(data[3])
	switch {
	case version < wvdVersion:
		return nil, &keys.DeviceLoadError{
			Err:    fmt.Errorf("wvd version %d is no longer supported", version),
			Remedy: "migrate the file to version 2",
		}
	case version > wvdVersion:
		return nil, &keys.DeviceLoadError{Err: fmt.Errorf("wvd version %d is newer than supported", version)}
	}

	r := bytes.NewReader(data[4:])
	var header struct {
		Type          byte
		SecurityLevel byte
		Flags         byte
	}
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, truncated(err)
	}
	deviceType, ok := wvdDeviceTypes[header.Type]
	if !ok {
		return nil, &keys.DeviceLoadError{Err: fmt.Errorf("unknown wvd device type %d", header.Type)}
	}
	privateKey, err := readBlob16(r)
	if err != nil {
		return nil, err
	}
	clientID, err := readBlob16(r)
	if err != nil {
		return nil, err
	}
	if len(privateKey) == 0 || len(clientID) == 0 {
		return nil, &keys.DeviceLoadError{Err: errors.New("wvd is missing its private key or client id"), Remedy: "re-export the device file"}
	}
	return &Device{
		Scheme:        Widevine,
		Version:       version,
		DeviceType:    deviceType,
		SecurityLevel: int(header.SecurityLevel),
		PrivateKey:    privateKey,
		ClientID:      clientID,
	}, nil
}

func parsePRD(data []byte) (*Device, error) {
	version := int(data[3])
	if version != prdVersion {
		remedy := "re-create the file with a current PlayReady toolkit"
		if version < prdVersion {
			remedy = "migrate the file to version 3"
		}
		return nil, &keys.DeviceLoadError{Err: fmt.Errorf("prd version %d is not supported", version), Remedy: remedy}
	}
	r := bytes.NewReader(data[4:])
	groupKey := make([]byte, prdKeyLength)
	encryptionKey := make([]byte, prdKeyLength)
	signingKey := make([]byte, prdKeyLength)
	for _, buf := range [][]byte{groupKey, encryptionKey, signingKey} {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, truncated(err)
		}
	}
	var certLen uint32
	if err := binary.Read(r, binary.BigEndian, &certLen); err != nil {
		return nil, truncated(err)
	}
	if certLen == 0 || certLen > maxDeviceBlobLen {
		return nil, &keys.DeviceLoadError{Err: fmt.Errorf("implausible group certificate length %d", certLen)}
	}
	cert := make([]byte, certLen)
	if _, err := io.ReadFull(r, cert); err != nil {
		return nil, truncated(err)
	}
	return &Device{
		Scheme:           PlayReady,
		Version:          version,
		DeviceType:       "PLAYREADY",
		GroupKey:         groupKey,
		EncryptionKey:    encryptionKey,
		SigningKey:       signingKey,
		GroupCertificate: cert,
	}, nil
}

func readBlob16(r io.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, truncated(err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, truncated(err)
	}
	return buf, nil
}

func truncated(err error) error {
	return &keys.DeviceLoadError{Err: fmt.Errorf("truncated device file: %w", err), Remedy: "re-export the device file"}
}

// deviceExtensions maps schemes to their file extension.
var deviceExtensions = map[Scheme]string{
	Widevine:  ".wvd",
	PlayReady: ".prd",
}

// FindDevice locates name in dir. When scheme is empty both extensions are
// tried, Widevine first.
func FindDevice(dir, name string, scheme Scheme) (string, Scheme, error) {
	candidates := []Scheme{Widevine, PlayReady}
	if scheme != "" {
		candidates = []Scheme{scheme}
	}
	base := strings.TrimSuffix(strings.TrimSuffix(name, ".wvd"), ".prd")
	for _, candidate := range candidates {
		ext, ok := deviceExtensions[candidate]
		if !ok {
			continue
		}
		path := filepath.Join(dir, base+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, candidate, nil
		}
	}
	return "", "", &keys.DeviceLoadError{
		Path:   filepath.Join(dir, base),
		Err:    fmt.Errorf("no device file for cdm %q", name),
		Remedy: "place " + base + ".wvd or " + base + ".prd in paths.device_dir or define a [[remote_cdm]] with this name",
	}
}

// EncodeWVD serializes a Widevine device in the version 2 layout.
func EncodeWVD(deviceType string, securityLevel int, privateKey, clientID []byte) ([]byte, error) {
	var typeByte byte
	for b, name := range wvdDeviceTypes {
		if name == strings.ToUpper(deviceType) {
			typeByte = b
		}
	}
	if typeByte == 0 {
		return nil, fmt.Errorf("unknown wvd device type %q", deviceType)
	}
	if len(privateKey) > 0xffff || len(clientID) > 0xffff {
		return nil, errors.New("wvd blobs exceed 65535 bytes")
	}
	var buf bytes.Buffer
	buf.WriteString(wvdMagic)
	buf.WriteByte(wvdVersion)
	buf.WriteByte(typeByte)
	buf.WriteByte(byte(securityLevel))
	buf.WriteByte(0)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(privateKey)))
	buf.Write(privateKey)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(clientID)))
	buf.Write(clientID)
	return buf.Bytes(), nil
}

// EncodePRD serializes a PlayReady device in the version 3 layout.
func EncodePRD(groupKey, encryptionKey, signingKey, groupCertificate []byte) ([]byte, error) {
	for _, key := range [][]byte{groupKey, encryptionKey, signingKey} {
		if len(key) != prdKeyLength {
			return nil, fmt.Errorf("prd keys must be %d bytes", prdKeyLength)
		}
	}
	var buf bytes.Buffer
	buf.WriteString(prdMagic)
	buf.WriteByte(prdVersion)
	buf.Write(groupKey)
	buf.Write(encryptionKey)
	buf.Write(signingKey)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(groupCertificate)))
	buf.Write(groupCertificate)
	return buf.Bytes(), nil
}
