package protocol

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll/DecodeAll, so one of each is shared.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("protocol: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(MaxFrameSize),
	)
	if err != nil {
		panic("protocol: zstd decoder initialization failed: " + err.Error())
	}
}

func compressPayload(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

func decompressPayload(compressed []byte) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptPayload, err)
	}
	return result, nil
}

// CompressAbove marks msg for compression when its payload is at least
// threshold bytes. A non-positive threshold leaves msg untouched.
func CompressAbove(msg *Message, threshold int) {
	if threshold > 0 && len(msg.Payload) >= threshold {
		msg.Flags |= FlagCompressed
	}
}
