package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pn532 "github.com/ZaparooProject/go-pn532"
	"github.com/ZaparooProject/go-pn532/transport/i2c"
	"github.com/ZaparooProject/go-pn532/transport/uart"
	"github.com/hsanjuan/go-ndef"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrTagTimeout means no tag was presented within the scan window
	ErrTagTimeout = errors.New("no tag presented")
	// ErrTagAck means the reader did not answer in time while polling
	ErrTagAck = errors.New("tag reader did not acknowledge")

	ErrNoNDEF        = errors.New("tag holds no NDEF message")
	ErrTagTooSmall   = errors.New("descriptor does not fit on tag")
	ErrShortResponse = errors.New("short response from tag")
)

// TagDevice is a tag reader/writer that serves one tag at a time
type TagDevice interface {
	// WaitForTag blocks until a tag enters the field and returns its UID
	WaitForTag(ctx context.Context) ([]byte, error)
	// ReadURI reads the URI record stored on the current tag
	ReadURI(ctx context.Context) (string, error)
	// WriteURI replaces the tag content with a single URI record
	WriteURI(ctx context.Context, uri string) error
	Close() error
}

// NTAG21x memory layout
const (
	ntagCmdRead       = 0x30
	ntagCmdWrite      = 0xA2
	ntagUserStartPage = 4
	ntagPageSize      = 4
	ntagReadPages     = 4 // a READ returns 16 bytes
	ntagMaxUserPages  = 222

	tlvNull       = 0x00
	tlvNDEF       = 0x03
	tlvTerminator = 0xFE
)

type pageExchanger interface {
	exchange(ctx context.Context, cmd []byte) ([]byte, error)
}

// encodeURITLV wraps a single URI record in an NDEF TLV padded to whole pages
func encodeURITLV(uri string) ([]byte, error) {
	raw, err := ndef.NewURIMessage(uri).Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal NDEF message: %w", err)
	}

	tlv := []byte{tlvNDEF}
	if len(raw) < 0xFF {
		tlv = append(tlv, byte(len(raw)))
	} else {
		tlv = append(tlv, 0xFF, byte(len(raw)>>8), byte(len(raw)))
	}
	tlv = append(tlv, raw...)
	tlv = append(tlv, tlvTerminator)
	for len(tlv)%ntagPageSize != 0 {
		tlv = append(tlv, tlvNull)
	}
	if len(tlv)/ntagPageSize > ntagMaxUserPages {
		return nil, fmt.Errorf("%w: %d bytes", ErrTagTooSmall, len(tlv))
	}
	return tlv, nil
}

// findNDEF locates the NDEF message inside tag memory read from the first user page.
// complete is false when more memory must be read.
func findNDEF(mem []byte) (msg []byte, complete bool, err error) {
	i := 0
	for i < len(mem) {
		switch mem[i] {
		case tlvNull:
			i++
			continue
		case tlvTerminator:
			return nil, true, ErrNoNDEF
		}
		if i+1 >= len(mem) {
			return nil, false, nil
		}
		tlvType := mem[i]
		length := int(mem[i+1])
		header := 2
		if length == 0xFF {
			if i+3 >= len(mem) {
				return nil, false, nil
			}
			length = int(mem[i+2])<<8 | int(mem[i+3])
			header = 4
		}
		end := i + header + length
		if tlvType == tlvNDEF {
			if end > len(mem) {
				return nil, false, nil
			}
			return mem[i+header : end], true, nil
		}
		// skip lock and memory control TLVs
		if end > len(mem) {
			return nil, false, nil
		}
		i = end
	}
	return nil, false, nil
}

func uriFromNDEF(raw []byte) (string, error) {
	var msg ndef.Message
	if _, err := msg.Unmarshal(raw); err != nil {
		return "", fmt.Errorf("failed to decode NDEF message: %w", err)
	}
	for _, rec := range msg.Records {
		payload, err := rec.Payload()
		if err != nil {
			continue
		}
		if uri := payload.String(); uri != "" {
			return uri, nil
		}
	}
	return "", ErrNoNDEF
}

func readNDEFURI(ctx context.Context, x pageExchanger) (string, error) {
	var mem []byte
	for page := ntagUserStartPage; page < ntagUserStartPage+ntagMaxUserPages; page += ntagReadPages {
		resp, err := x.exchange(ctx, []byte{ntagCmdRead, byte(page)})
		if err != nil {
			return "", fmt.Errorf("failed to read page %d: %w", page, err)
		}
		if len(resp) < ntagReadPages*ntagPageSize {
			return "", fmt.Errorf("%w: %d bytes at page %d", ErrShortResponse, len(resp), page)
		}
		mem = append(mem, resp[:ntagReadPages*ntagPageSize]...)

		msg, complete, err := findNDEF(mem)
		if err != nil {
			return "", err
		}
		if complete {
			return uriFromNDEF(msg)
		}
	}
	return "", ErrNoNDEF
}

func writeNDEFURI(ctx context.Context, x pageExchanger, uri string) error {
	tlv, err := encodeURITLV(uri)
	if err != nil {
		return err
	}
	for offset := 0; offset < len(tlv); offset += ntagPageSize {
		page := ntagUserStartPage + offset/ntagPageSize
		cmd := append([]byte{ntagCmdWrite, byte(page)}, tlv[offset:offset+ntagPageSize]...)
		if _, err := x.exchange(ctx, cmd); err != nil {
			return fmt.Errorf("failed to write page %d: %w", page, err)
		}
	}
	return nil
}

// pn532TagDevice drives a PN532 reader over I2C or UART
type pn532TagDevice struct {
	device       *pn532.Device
	scanTimeout  time.Duration
	pollInterval time.Duration
}

func newPN532Transport(path string) (pn532.Transport, error) {
	if strings.Contains(strings.ToLower(path), "i2c") {
		transport, err := i2c.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create I2C transport: %w", err)
		}
		return transport, nil
	}
	transport, err := uart.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create UART transport: %w", err)
	}
	return transport, nil
}

// OpenPN532 connects to the reader at path, e.g. /dev/i2c-1 or /dev/ttyUSB0
func OpenPN532(path string, scanTimeout time.Duration) (TagDevice, error) {
	device, err := pn532.ConnectDevice(path,
		pn532.WithTransportFactory(newPN532Transport),
		pn532.WithConnectTimeout(TagOperationTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to tag reader at %s: %w", path, err)
	}
	log.Printf("Tag reader connected at %s", path)
	return &pn532TagDevice{
		device:       device,
		scanTimeout:  scanTimeout,
		pollInterval: 100 * time.Millisecond,
	}, nil
}

func (d *pn532TagDevice) WaitForTag(ctx context.Context) ([]byte, error) {
	scanCtx, cancel := context.WithTimeout(ctx, d.scanTimeout)
	defer cancel()

	for {
		tags, err := d.device.DetectTags(scanCtx, 1, 0)
		switch {
		case err == nil && len(tags) > 0:
			return tags[0].UIDBytes, nil
		case err == nil, errors.Is(err, pn532.ErrNoTagDetected):
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, ErrTagTimeout
		case errors.Is(err, pn532.ErrTimeout):
			return nil, fmt.Errorf("%w: %v", ErrTagAck, err)
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-scanCtx.Done():
			return nil, ErrTagTimeout
		case <-time.After(d.pollInterval):
		}
	}
}

func (d *pn532TagDevice) exchange(ctx context.Context, cmd []byte) ([]byte, error) {
	return d.device.SendDataExchange(ctx, cmd)
}

func (d *pn532TagDevice) ReadURI(ctx context.Context) (string, error) {
	return readNDEFURI(ctx, d)
}

func (d *pn532TagDevice) WriteURI(ctx context.Context, uri string) error {
	return writeNDEFURI(ctx, d, uri)
}

func (d *pn532TagDevice) Close() error {
	return d.device.Close()
}
