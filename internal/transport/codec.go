package transport

import (
	"bytes"
	"fmt"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// zstdMagic starts every zstd frame. A structpb.Struct never starts with it,
// so compressed and plain binary frames can share a connection.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// IsCompressed reports whether a binary message holds a zstd frame.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

// Codec converts frames to websocket messages for one subprotocol.
type Codec struct {
	protocol    string
	compress    bool
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// NewCodec creates a Codec. Compression only applies to the protobuf
// subprotocol.
func NewCodec(protocol string, compress bool) (*Codec, error) {
	if protocol != SubprotocolJSON && protocol != SubprotocolProtobuf {
		return nil, fmt.Errorf("unsupported subprotocol %q", protocol)
	}

	c := &Codec{protocol: protocol, compress: compress && protocol == SubprotocolProtobuf}

	if protocol == SubprotocolProtobuf {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			_ = enc.Close()
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		c.zstdEncoder = enc
		c.zstdDecoder = dec
	}
	return c, nil
}

// Protocol returns the subprotocol name.
func (c *Codec) Protocol() string { return c.protocol }

// Encode serializes v and returns the websocket message type to send it as.
func (c *Codec) Encode(v any) (int, []byte, error) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal frame: %w", err)
	}
	if c.protocol == SubprotocolJSON {
		return websocket.TextMessage, jsonData, nil
	}

	var generic map[string]any
	if err := json.Unmarshal(jsonData, &generic); err != nil {
		return 0, nil, fmt.Errorf("frame is not an object: %w", err)
	}
	st, err := structpb.NewStruct(generic)
	if err != nil {
		return 0, nil, fmt.Errorf("build struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal protobuf: %w", err)
	}
	if c.compress {
		pbData = c.zstdEncoder.EncodeAll(pbData, nil)
	}
	return websocket.BinaryMessage, pbData, nil
}

// Decode parses a websocket message into v.
func (c *Codec) Decode(messageType int, data []byte, v any) error {
	switch messageType {
	case websocket.TextMessage:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("unmarshal frame: %w", err)
		}
		return nil

	case websocket.BinaryMessage:
		if c.zstdDecoder == nil {
			return fmt.Errorf("binary frame on %s: %w", c.protocol, ErrUnknownFrame)
		}
		if IsCompressed(data) {
			plain, err := c.zstdDecoder.DecodeAll(data, nil)
			if err != nil {
				return fmt.Errorf("decompress frame: %w", err)
			}
			data = plain
		}
		var st structpb.Struct
		if err := proto.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("unmarshal protobuf: %w", err)
		}
		jsonData, err := json.Marshal(st.AsMap())
		if err != nil {
			return fmt.Errorf("re-encode frame: %w", err)
		}
		if err := json.Unmarshal(jsonData, v); err != nil {
			return fmt.Errorf("unmarshal frame: %w", err)
		}
		return nil

	default:
		return ErrUnknownFrame
	}
}

// Close releases compression resources.
func (c *Codec) Close() {
	if c.zstdEncoder != nil {
		_ = c.zstdEncoder.Close()
	}
	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
	}
}
