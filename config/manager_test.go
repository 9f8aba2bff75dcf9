package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfig test configuration structure
type TestConfig struct {
	Name     string `mapstructure:"name"`
	Port     int    `mapstructure:"port"`
	MaxConns int    `mapstructure:"maxConns"`
}

func (c *TestConfig) GetName() string {
	return "test"
}

func (c *TestConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

// TestChangeListener records the changes it receives
type TestChangeListener struct {
	mu          sync.Mutex
	ChangeCount int32
	LastConfig  Config
	LastName    string
}

func (l *TestChangeListener) OnConfigChanged(configName string, newConfig, oldConfig Config) error {
	atomic.AddInt32(&l.ChangeCount, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LastConfig = newConfig
	l.LastName = configName
	return nil
}

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, "test", "name: \"test-server\"\nport: 8080\n")

	cm := NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(tmpDir)

	cfg := &TestConfig{MaxConns: 64}
	require.NoError(t, cm.LoadConfig("test", cfg))

	assert.Equal(t, "test-server", cfg.Name)
	assert.Equal(t, 8080, cfg.Port)
	// keys absent from the file keep their defaults
	assert.Equal(t, 64, cfg.MaxConns)

	got, err := cm.GetConfig("test")
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestLoadConfigValidationFails(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, "test", "name: \"\"\nport: 8080\n")

	cm := NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(tmpDir)

	err := cm.LoadConfig("test", &TestConfig{})
	assert.Error(t, err)
}

func TestEnvironmentOverridesBase(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, "test", "name: base\nport: 1000\n")
	envDir := filepath.Join(tmpDir, "production")
	require.NoError(t, os.MkdirAll(envDir, 0o755))
	writeConfig(t, envDir, "test", "name: prod\nport: 2000\n")

	cm := NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(tmpDir)
	cm.SetEnvironment("production")

	cfg := &TestConfig{}
	require.NoError(t, cm.LoadConfig("test", cfg))
	assert.Equal(t, "prod", cfg.Name)
	assert.Equal(t, 2000, cfg.Port)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cm := NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(t.TempDir())

	cfg := &TestConfig{Name: "fallback", Port: 7000}
	require.NoError(t, LoadOrDefault(cm, "test", cfg))
	assert.Equal(t, "fallback", cfg.Name)

	bad := &TestConfig{}
	assert.Error(t, LoadOrDefault(cm, "test", bad))
}

func TestGetConfigNotFound(t *testing.T) {
	cm := NewConfigManager()
	_, err := cm.GetConfig("missing")
	assert.Error(t, err)
}

func TestNotifyConfigChanged(t *testing.T) {
	cm := NewConfigManager()
	l := &TestChangeListener{}
	cm.AddChangeListener(l)

	cm.NotifyConfigChanged("test", &TestConfig{Name: "a", Port: 1}, nil)
	assert.Equal(t, int32(1), atomic.LoadInt32(&l.ChangeCount))
	assert.Equal(t, "test", l.LastName)

	cm.RemoveChangeListener(l)
	cm.NotifyConfigChanged("test", &TestConfig{Name: "b", Port: 1}, nil)
	assert.Equal(t, int32(1), atomic.LoadInt32(&l.ChangeCount))
}

func TestHotReload(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, "test", "name: first\nport: 1000\n")

	cm := NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(tmpDir)

	l := &TestChangeListener{}
	cm.AddChangeListener(l)

	var hookCalls int32
	cm.RegisterHook("test", func(oldVal, newVal Config) error {
		atomic.AddInt32(&hookCalls, 1)
		return nil
	})

	require.NoError(t, cm.LoadConfig("test", &TestConfig{}))
	require.NoError(t, os.WriteFile(path, []byte("name: second\nport: 2000\n"), 0o644))

	require.Eventually(t, func() bool {
		got, err := cm.GetConfig("test")
		return err == nil && got.(*TestConfig).Name == "second"
	}, 3*time.Second, 20*time.Millisecond)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&hookCalls), int32(1))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&l.ChangeCount), int32(1))
}

func TestHotReloadAfterReplace(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, "test", "name: first\nport: 1000\n")

	cm := NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(tmpDir)
	require.NoError(t, cm.LoadConfig("test", &TestConfig{}))

	// editors often save by writing a temp file and renaming it over the original
	tmp := filepath.Join(tmpDir, "test.yaml.swp")
	require.NoError(t, os.WriteFile(tmp, []byte("name: replaced\nport: 3000\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool {
		got, err := cm.GetConfig("test")
		return err == nil && got.(*TestConfig).Name == "replaced"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHotReloadRejectsInvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, "test", "name: first\nport: 1000\n")

	cm := NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(tmpDir)
	l := &TestChangeListener{}
	cm.AddChangeListener(l)
	require.NoError(t, cm.LoadConfig("test", &TestConfig{}))

	require.NoError(t, os.WriteFile(path, []byte("name: broken\nport: 70000\n"), 0o644))
	time.Sleep(300 * time.Millisecond)

	got, err := cm.GetConfig("test")
	require.NoError(t, err)
	assert.Equal(t, "first", got.(*TestConfig).Name)
	assert.Equal(t, int32(0), atomic.LoadInt32(&l.ChangeCount))
}

func TestSingletonInstance(t *testing.T) {
	ResetInstance()
	defer ResetInstance()

	a := GetInstance()
	b := GetInstance()
	assert.Same(t, a, b)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Same(t, a, GetInstance())
		}()
	}
	wg.Wait()

	custom := NewConfigManager()
	SetInstance(custom)
	assert.Same(t, custom, GetInstance())
}
