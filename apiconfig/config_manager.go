package apiconfig

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type ConfigManager struct {
	currentConfig  Config
	KoanProvider   koanf.Provider
	WriterProvider WriteCloserProvider
	mutex          sync.Mutex
}

type WriteCloserProvider interface {
	GetWriter() WriteCloser
}

func LoadDefaultConfigManager() (*ConfigManager, error) {
	manager := ConfigManager{
		KoanProvider:   getFileProvider(),
		WriterProvider: NewFileWriteCloserProvider(getConfigPath()),
		mutex:          sync.Mutex{},
	}
	err := manager.Load()
	if err != nil {
		return nil, err
	}
	return &manager, nil
}

func (cm *ConfigManager) Write() error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	return writeConfig(cm.currentConfig, cm.WriterProvider.GetWriter())
}

func (cm *ConfigManager) Load() error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	config, err := readConfig(cm.KoanProvider)
	if err != nil {
		return err
	}
	cm.currentConfig = config
	return nil
}

func (cm *ConfigManager) GetConfig() *Config {
	return &cm.currentConfig
}

func (cm *ConfigManager) SetHeight(height int64) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.currentConfig.CurrentHeight = height
	return writeConfig(cm.currentConfig, cm.WriterProvider.GetWriter())
}

func (cm *ConfigManager) GetHeight() int64 {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	return cm.currentConfig.CurrentHeight
}

func (cm *ConfigManager) SetLastRound(roundNumber int64) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.currentConfig.LastRound = roundNumber
	return writeConfig(cm.currentConfig, cm.WriterProvider.GetWriter())
}

func (cm *ConfigManager) GetLastRound() int64 {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	return cm.currentConfig.LastRound
}

func (cm *ConfigManager) SetLastWinner(workerId string) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.currentConfig.LastWinner = workerId
	slog.Info("Setting last winner", "worker_id", workerId)
	return writeConfig(cm.currentConfig, cm.WriterProvider.GetWriter())
}

func (cm *ConfigManager) GetLastWinner() string {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	return cm.currentConfig.LastWinner
}

func (cm *ConfigManager) SetWorkers(workers []WorkerConfig) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.currentConfig.Workers = workers
	slog.Info("Setting workers", "count", len(workers))
	return writeConfig(cm.currentConfig, cm.WriterProvider.GetWriter())
}

func getFileProvider() koanf.Provider {
	configPath := getConfigPath()
	return file.Provider(configPath)
}

func getConfigPath() string {
	configPath := os.Getenv("ARENA_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml" // Default value if the environment variable is not set
	}
	return configPath
}

type FileWriteCloserProvider struct {
	path string
}

func NewFileWriteCloserProvider(path string) *FileWriteCloserProvider {
	return &FileWriteCloserProvider{path: path}
}

func (f *FileWriteCloserProvider) GetWriter() WriteCloser {
	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0755)
	if err != nil {
		log.Fatalf("error opening file at %s: %v", f.path, err)
	}
	return file
}

func readConfig(provider koanf.Provider) (Config, error) {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(provider, parser); err != nil {
		return Config{}, fmt.Errorf("error loading config: %w", err)
	}
	err := k.Load(env.Provider("ARENA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "ARENA_")), "__", ".", -1)
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("error loading env: %w", err)
	}

	var config Config
	err = k.Unmarshal("", &config)
	if err != nil {
		return Config{}, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if validatorId, found := os.LookupEnv("VALIDATOR_ID"); found {
		config.Validator.Id = validatorId
	}

	if err := loadWorkerConfig(&config); err != nil {
		return Config{}, err
	}
	return config, nil
}

func writeConfig(config Config, writer WriteCloser) error {
	k := koanf.New(".")
	parser := yaml.Parser()
	err := k.Load(structs.Provider(config, "koanf"), nil)
	if err != nil {
		slog.Error("error loading config", "error", err)
		return err
	}
	output, err := k.Marshal(parser)
	if err != nil {
		slog.Error("error marshalling config", "error", err)
		return err
	}
	_, err = writer.Write(output)
	if err != nil {
		slog.Error("error writing config", "error", err)
		return err
	}
	return nil
}

type WriteCloser interface {
	Write([]byte) (int, error)
	Close() error
}

// Called once at startup to merge statically provisioned workers from a
// separate file into the main config. The chain registry still overrides
// these entries whenever the broker re-syncs.
func loadWorkerConfig(config *Config) error {
	if config.WorkersMerged {
		slog.Info("Worker config already merged. Skipping")
		return nil
	}

	workerConfigPath, found := os.LookupEnv("WORKERS_CONFIG_PATH")
	if !found || strings.TrimSpace(workerConfigPath) == "" {
		return nil
	}

	slog.Info("Loading and merging worker configuration", "path", workerConfigPath)

	newWorkers, err := parseWorkersFromConfigJson(workerConfigPath)
	if err != nil {
		return err
	}

	seenIds := make(map[string]bool)
	for _, worker := range config.Workers {
		if seenIds[worker.Id] {
			return fmt.Errorf("duplicate worker ID found in config: %s", worker.Id)
		}
		seenIds[worker.Id] = true
	}
	for _, worker := range newWorkers {
		if seenIds[worker.Id] {
			return fmt.Errorf("duplicate worker ID found in config: %s", worker.Id)
		}
		seenIds[worker.Id] = true
	}

	config.Workers = append(config.Workers, newWorkers...)
	config.WorkersMerged = true

	slog.Info("Successfully loaded and merged worker configuration",
		"new_workers", len(newWorkers),
		"total_workers", len(config.Workers))
	return nil
}

func parseWorkersFromConfigJson(workerConfigPath string) ([]WorkerConfig, error) {
	file, err := os.Open(workerConfigPath)
	if err != nil {
		slog.Error("Failed to open worker config file", "error", err)
		return nil, err
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		slog.Error("Failed to read worker config file", "error", err)
		return nil, err
	}

	var newWorkers []WorkerConfig
	if err := json.Unmarshal(bytes, &newWorkers); err != nil {
		slog.Error("Failed to parse worker config JSON", "error", err)
		return nil, err
	}

	return newWorkers, nil
}
