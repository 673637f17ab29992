package zpayd

import (
	"fmt"
	"os"
	"unicode"

	ipfslog "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// consoleEncoder replaces control characters, so addresses and errors echoed from remote
// services can't forge log lines.
type consoleEncoder struct {
	zapcore.Encoder
}

func (e consoleEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buf, err := e.Encoder.EncodeEntry(entry, fields)
	if err != nil {
		return nil, err
	}

	b := buf.Bytes()
	for i := range b {
		if unicode.IsControl(rune(b[i])) && !unicode.IsSpace(rune(b[i])) {
			b[i] = '\x1A' // Substitute character
		}
	}

	return buf, nil
}

func newLogger() (*zap.Logger, error) {
	lvl, err := ipfslog.LevelFromString(*logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", *logLevel)
	}

	logger := zap.New(zapcore.NewCore(
		consoleEncoder{zapcore.NewConsoleEncoder(
			zap.NewDevelopmentEncoderConfig())},
		zapcore.AddSync(zapcore.Lock(os.Stderr)),
		zap.NewAtomicLevelAt(zapcore.Level(lvl))))

	// Redirect go-log users to plain zap and override its environment-based config.
	ipfslog.SetPrimaryCore(logger.Core())
	ipfslog.SetAllLoggers(lvl)

	return logger.Named("zpayd"), nil
}
