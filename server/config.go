/*
Copyright (c) trftp authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"errors"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

var errInsaneTimeout = errors.New("receive timeout is outside of sane range")

// StaticConfig is the set of options that require a process restart:
// bind address, logging, and the initial IPG bounds.
type StaticConfig struct {
	BindPort int
	LogLevel string
	IPGMinUs uint32
	IPGMaxUs uint32
}

// DynamicConfig is the set of timeout options, loadable from YAML with
// ReadDynamicConfig. A Server reads them once in New; changing them on a
// running Server has no effect.
type DynamicConfig struct {
	// ReceiveTimeout bounds how long the dispatcher blocks per receive call.
	ReceiveTimeout time.Duration
	// NegotiationTimeout bounds the CHK and RDY waits (spec section 4.3).
	NegotiationTimeout time.Duration
	// DoneTimeout bounds the final wait for DONE once DATA has been sent.
	DoneTimeout time.Duration
}

// Config bundles the static and dynamic halves, mirroring the teacher's
// server config split.
type Config struct {
	StaticConfig
	DynamicConfig
}

// DefaultConfig matches the original reference implementation's constants:
// 100ms server receive timeout, 1s negotiation waits, 5min DONE wait.
func DefaultConfig() Config {
	return Config{
		StaticConfig: StaticConfig{
			BindPort: 64920,
			LogLevel: "info",
			IPGMinUs: 100,
			IPGMaxUs: 300,
		},
		DynamicConfig: DynamicConfig{
			ReceiveTimeout:     100 * time.Millisecond,
			NegotiationTimeout: time.Second,
			DoneTimeout:        5 * time.Minute,
		},
	}
}

// Sanity rejects nonsensical dynamic config values.
func (dc *DynamicConfig) Sanity() error {
	if dc.ReceiveTimeout <= 0 || dc.ReceiveTimeout > time.Minute {
		return errInsaneTimeout
	}
	return nil
}

// ReadDynamicConfig loads a DynamicConfig from a YAML file, the way
// ptp4u/server/config.go reloads its dynamic half.
func ReadDynamicConfig(path string) (*DynamicConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dc := &DynamicConfig{}
	if err := yaml.Unmarshal(data, dc); err != nil {
		return nil, err
	}

	if err := dc.Sanity(); err != nil {
		return nil, err
	}

	return dc, nil
}

// Write persists dc as YAML at path.
func (dc *DynamicConfig) Write(path string) error {
	data, err := yaml.Marshal(dc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
