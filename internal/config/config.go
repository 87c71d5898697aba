package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Name   string `yaml:"name" json:"name" env:"ENGINE_NAME"` // engine identifier used in generated instance metadata
	Log    Log    `yaml:"log" json:"log"`
	Engine Engine `yaml:"engine" json:"engine"`
}

type Log struct {
	Level string `yaml:"level" json:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Engine struct {
	// ScriptPoolMax bounds how many script VMs may exist at once.
	ScriptPoolMax int `yaml:"scriptPoolMax" json:"scriptPoolMax" env:"ENGINE_SCRIPT_POOL_MAX" env-default:"8"`
	// ScriptPoolMin is the number of VMs warmed up at startup.
	ScriptPoolMin int `yaml:"scriptPoolMin" json:"scriptPoolMin" env:"ENGINE_SCRIPT_POOL_MIN" env-default:"1"`
	// TaskLockTTL bounds how long a task lease may be held without renewal.
	TaskLockTTL time.Duration `yaml:"taskLockTtl" json:"taskLockTtl" env:"ENGINE_TASK_LOCK_TTL" env-default:"30s"`
}

func (c Config) defaults() Config {
	if c.Name == "" {
		c.Name = fmt.Sprintf("flowmill-%s", uuid.NewString()[:8])
	}
	return c
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c.defaults()
}
