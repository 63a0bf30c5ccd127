package accounts

import (
	"encoding/base64"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
)

// DataEncoding names an account data encoding as used by the JSON-RPC
// getAccountInfo response and the snapshot file.
type DataEncoding string

// Supported data encodings.
const (
	EncodingBase58     DataEncoding = "base58"
	EncodingBase64     DataEncoding = "base64"
	EncodingBase64Zstd DataEncoding = "base64+zstd"
)

// ParseDataEncoding validates an encoding name. The empty string means base64.
func ParseDataEncoding(s string) (DataEncoding, error) {
	switch DataEncoding(s) {
	case "", EncodingBase64:
		return EncodingBase64, nil
	case EncodingBase58, EncodingBase64Zstd:
		return DataEncoding(s), nil
	default:
		return "", fmt.Errorf("unsupported data encoding %q", s)
	}
}

// EncodeData encodes account data as the [payload, encoding] pair.
func EncodeData(data []byte, encoding DataEncoding) ([]string, error) {
	switch encoding {
	case EncodingBase58:
		return []string{base58.Encode(data), string(EncodingBase58)}, nil
	case EncodingBase64Zstd:
		compressed, err := compressZstd(data)
		if err != nil {
			return nil, fmt.Errorf("zstd compression failed: %w", err)
		}
		return []string{base64.StdEncoding.EncodeToString(compressed), string(EncodingBase64Zstd)}, nil
	default:
		return []string{base64.StdEncoding.EncodeToString(data), string(EncodingBase64)}, nil
	}
}

// DecodeData decodes an encoded payload.
func DecodeData(encoded string, encoding DataEncoding) ([]byte, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Decode(encoded)
	case EncodingBase64Zstd:
		compressed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("base64 decode failed: %w", err)
		}
		return decompressZstd(compressed)
	default:
		return base64.StdEncoding.DecodeString(encoded)
	}
}

// decodeDataPair decodes the JSON [payload, encoding] form. A bare
// one-element array is treated as base64. Empty data decodes as nil so a
// written snapshot reads back unchanged.
func decodeDataPair(pair []string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch len(pair) {
	case 0:
	case 1:
		data, err = DecodeData(pair[0], EncodingBase64)
	default:
		var enc DataEncoding
		if enc, err = ParseDataEncoding(pair[1]); err == nil {
			data, err = DecodeData(pair[0], enc)
		}
	}
	if err != nil || len(data) == 0 {
		return nil, err
	}
	return data, nil
}

func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}
