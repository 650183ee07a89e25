package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/compliance"
)

// loadConsent reads one subject per line; blank lines and lines starting with
// # are ignored.
func loadConsent(path string) (*compliance.Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open consent file: %w", err)
	}
	defer func() { _ = f.Close() }()

	reg := compliance.NewRegistry()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		reg.Grant(line, compliance.ConsentFaceRecognition, path, time.Time{})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read consent file: %w", err)
	}
	return reg, nil
}

// consentGate returns the registry loaded from path, or AllowAll when no
// consent file was given.
func consentGate(path string) (compliance.ConsentGate, error) {
	if path == "" {
		return compliance.AllowAll{}, nil
	}
	return loadConsent(path)
}
