package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/pay-kiosk/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestFallbackBeforeInit(t *testing.T) {
	assert.NotNil(t, GetLogger())
	assert.NotNil(t, GetModuleLogger("bill"))
	assert.NotNil(t, GetSugar())
}

// 只能初始化一次，文件输出和模块级别放在同一个用例里
func TestInitWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	err := Init(&config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: "file",
		File: config.LogFileConfig{
			Path:     dir,
			Filename: "kiosk.log",
			MaxSize:  1,
		},
		Modules: map[string]string{"serial": "debug"},
	})
	require.NoError(t, err)

	Info("hello", zap.String("device", "coin"))
	LogFrame("card", "tx", []byte{0x02, 0x00, 0x01})
	require.NoError(t, Sync())
	_ = GetModuleLogger("serial").Sync()

	body, err := os.ReadFile(filepath.Join(dir, "kiosk.log"))
	require.NoError(t, err)
	assert.Contains(t, string(body), `"msg":"hello"`)
	assert.Contains(t, string(body), "020001", "serial 模块开启了 debug")

	SetLevel("error")
	assert.Equal(t, "error", Level())
	SetLevel("info")
}
