/*
powerman - Battery monitor and power control
Copyright (C) 2026, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package powerman

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/TheCacophonyProject/powerman/calibration"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	keyI2CBus             = "gpio_i2c_bus"
	keyGPIOAddress        = "gpio_i2c_address"
	keyPowerPin           = "gpio_power_pin"
	keyBeeperPin          = "gpio_beeper_pin"
	keyADCAddress         = "adc_i2c_address"
	keyCells              = "battery_cells"
	keyLowCellVoltage     = "battery_low_cell_voltage"
	keyCapacity           = "battery_capacity"
	keyBeeperEnabled      = "beeper_enabled"
	keyVoltageChannel     = "voltage_adc"
	keyCurrentChannel     = "current_adc"
	keyVoltageCalibration = "adc_2_voltage"
	keyCurrentCalibration = "adc_2_current"
	keyHysteresis         = "low_voltage_hysteresis"
	keyPowerSaveTimeout   = "power_save_timeout"
	keySampleInterval     = "sample_interval"
	keyPublishInterval    = "publish_interval"
	keyMQTTBroker         = "mqtt_broker"
	keyMQTTTopic          = "mqtt_topic"
	keyMQTTClientID       = "mqtt_client_id"

	DefaultConfigFile = "powerman.toml"
)

var requiredKeys = []string{
	keyPowerPin,
	keyCells,
	keyLowCellVoltage,
	keyCapacity,
	keyVoltageChannel,
	keyCurrentChannel,
	keyVoltageCalibration,
	keyCurrentCalibration,
}

// Store is the subset of viper used to read configuration values.
type Store interface {
	IsSet(key string) bool
	GetString(key string) string
	GetInt(key string) int
	GetFloat64(key string) float64
	GetBool(key string) bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyI2CBus, "")
	v.SetDefault(keyGPIOAddress, 0x20)
	v.SetDefault(keyBeeperPin, 5)
	v.SetDefault(keyADCAddress, 0x48)
	v.SetDefault(keyBeeperEnabled, true)
	v.SetDefault(keyHysteresis, 10)
	v.SetDefault(keyPowerSaveTimeout, "60s")
	v.SetDefault(keySampleInterval, "1s")
	v.SetDefault(keyPublishInterval, "1s")
	v.SetDefault(keyMQTTTopic, "powerman/state")
	v.SetDefault(keyMQTTClientID, "powerman")
}

// Config holds the validated configuration for the service.
type Config struct {
	I2CBus      string
	GPIOAddress uint16
	ADCAddress  uint16
	PowerPin    int
	BeeperPin   int

	Cells          int
	LowCellVoltage float64
	// Capacity of the battery in amp hours.
	Capacity float64

	VoltageChannel     string
	CurrentChannel     string
	VoltageExpr        string
	CurrentExpr        string
	VoltageCalibration calibration.Func
	CurrentCalibration calibration.Func

	Hysteresis       int
	PowerSaveTimeout time.Duration
	// SampleInterval has to stay at one second, consumed capacity is
	// integrated as current/3600 per sample.
	SampleInterval  time.Duration
	PublishInterval time.Duration

	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string

	beeperEnabled atomic.Bool
}

// LowBatteryVoltage is the pack voltage below which the battery is critical.
func (c *Config) LowBatteryVoltage() float64 {
	return float64(c.Cells) * c.LowCellVoltage
}

// BeeperEnabled is the only setting that can change while running.
func (c *Config) BeeperEnabled() bool {
	return c.beeperEnabled.Load()
}

func (c *Config) SetBeeperEnabled(enabled bool) {
	c.beeperEnabled.Store(enabled)
}

// newStore reads the config file. Changes to the file are watched so the
// beeper can be toggled without a restart.
func newStore(configDir, configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	path := configFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(configDir, configFile)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	log.Infof("Loaded config from '%s'", v.ConfigFileUsed())
	return v, nil
}

// watchBeeper keeps conf.BeeperEnabled in sync with the config file.
func watchBeeper(v *viper.Viper, conf *Config) {
	v.OnConfigChange(func(e fsnotify.Event) {
		enabled := v.GetBool(keyBeeperEnabled)
		if enabled != conf.BeeperEnabled() {
			log.Infof("Config file '%s' changed, beeper enabled: %t", e.Name, enabled)
		}
		conf.SetBeeperEnabled(enabled)
	})
	v.WatchConfig()
}

// LoadConfig reads and validates all keys from the store.
func LoadConfig(store Store) (*Config, error) {
	var missing []string
	for _, key := range requiredKeys {
		if !store.IsSet(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing config keys: %s", strings.Join(missing, ", "))
	}

	conf := &Config{
		I2CBus:         store.GetString(keyI2CBus),
		PowerPin:       store.GetInt(keyPowerPin),
		BeeperPin:      store.GetInt(keyBeeperPin),
		Cells:          store.GetInt(keyCells),
		LowCellVoltage: store.GetFloat64(keyLowCellVoltage),
		Capacity:       store.GetFloat64(keyCapacity),
		VoltageChannel: store.GetString(keyVoltageChannel),
		CurrentChannel: store.GetString(keyCurrentChannel),
		VoltageExpr:    store.GetString(keyVoltageCalibration),
		CurrentExpr:    store.GetString(keyCurrentCalibration),
		Hysteresis:     store.GetInt(keyHysteresis),
		MQTTBroker:     store.GetString(keyMQTTBroker),
		MQTTTopic:      store.GetString(keyMQTTTopic),
		MQTTClientID:   store.GetString(keyMQTTClientID),
	}
	conf.SetBeeperEnabled(store.GetBool(keyBeeperEnabled))

	var err error
	if conf.GPIOAddress, err = addressKey(store, keyGPIOAddress); err != nil {
		return nil, err
	}
	if conf.ADCAddress, err = addressKey(store, keyADCAddress); err != nil {
		return nil, err
	}
	if conf.PowerSaveTimeout, err = durationKey(store, keyPowerSaveTimeout); err != nil {
		return nil, err
	}
	if conf.SampleInterval, err = durationKey(store, keySampleInterval); err != nil {
		return nil, err
	}
	if conf.PublishInterval, err = durationKey(store, keyPublishInterval); err != nil {
		return nil, err
	}
	if conf.VoltageCalibration, err = calibration.Parse(conf.VoltageExpr); err != nil {
		return nil, fmt.Errorf("%s: %w", keyVoltageCalibration, err)
	}
	if conf.CurrentCalibration, err = calibration.Parse(conf.CurrentExpr); err != nil {
		return nil, fmt.Errorf("%s: %w", keyCurrentCalibration, err)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	if conf.SampleInterval != time.Second {
		log.Warnf("%s is %s, consumed capacity assumes samples one second apart", keySampleInterval, conf.SampleInterval)
	}
	return conf, nil
}

func (c *Config) validate() error {
	switch {
	case c.Cells <= 0:
		return fmt.Errorf("%s must be positive, got %d", keyCells, c.Cells)
	case c.LowCellVoltage <= 0:
		return fmt.Errorf("%s must be positive, got %.2f", keyLowCellVoltage, c.LowCellVoltage)
	case c.Capacity <= 0:
		return fmt.Errorf("%s must be positive, got %.2f", keyCapacity, c.Capacity)
	case c.Hysteresis < 1:
		return fmt.Errorf("%s must be at least 1, got %d", keyHysteresis, c.Hysteresis)
	case c.PowerSaveTimeout < 0:
		return fmt.Errorf("%s can not be negative", keyPowerSaveTimeout)
	case c.SampleInterval <= 0:
		return fmt.Errorf("%s must be positive", keySampleInterval)
	case c.PublishInterval <= 0:
		return fmt.Errorf("%s must be positive", keyPublishInterval)
	case c.VoltageChannel == "" || c.CurrentChannel == "":
		return fmt.Errorf("%s and %s can not be empty", keyVoltageChannel, keyCurrentChannel)
	}
	for key, pin := range map[string]int{keyPowerPin: c.PowerPin, keyBeeperPin: c.BeeperPin} {
		if pin < 0 || pin >= gpioBankPins {
			return fmt.Errorf("%s must be between 0 and %d, got %d", key, gpioBankPins-1, pin)
		}
	}
	if c.PowerPin == c.BeeperPin {
		return fmt.Errorf("%s and %s can not be the same pin", keyPowerPin, keyBeeperPin)
	}
	return nil
}

func addressKey(store Store, key string) (uint16, error) {
	addr := store.GetInt(key)
	if addr <= 0 || addr > 0x7F {
		return 0, fmt.Errorf("%s: invalid I2C address 0x%X", key, addr)
	}
	return uint16(addr), nil
}

// durationKey accepts a number of seconds or a duration string such as "90s".
func durationKey(store Store, key string) (time.Duration, error) {
	raw := strings.TrimSpace(store.GetString(key))
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration '%s'", key, raw)
	}
	return d, nil
}
