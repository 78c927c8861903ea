package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard guides the user through first-time configuration.
func RunSetupWizard(cfg *Config) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║         Partyline - First Run Setup          ║")
	fmt.Println("╠══════════════════════════════════════════════╣")
	fmt.Println("║  Welcome! Let's configure your mediator.     ║")
	fmt.Println("╚══════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("── Identity Provider ──")

	mode := promptString(reader, "Identity mode (static/http)", cfg.MediatorData.ProviderMode)
	cfg.MediatorData.ProviderMode = strings.ToLower(mode)

	if cfg.MediatorData.ProviderMode == ProviderModeHTTP {
		cfg.MediatorData.ProviderURL = promptString(reader, "Provider URL", cfg.MediatorData.ProviderURL)
		cfg.MediatorData.Login = promptString(reader, "Provider login", cfg.MediatorData.Login)
		cfg.MediatorData.Password = promptPassword(reader, "Provider password")
	} else {
		cfg.MediatorData.StaticUserID = promptString(reader,
			"Local user id", cfg.MediatorData.StaticUserID)
	}

	fmt.Println()
	fmt.Println("── Sockets ──")

	defaultSockets := strings.Join(cfg.MediatorData.Sockets, ",")
	socketList := promptString(reader, "Socket descriptors (comma-separated)", defaultSockets)
	cfg.MediatorData.Sockets = splitSockets(socketList)

	fmt.Println()
	fmt.Println("── Transport ──")

	cfg.MediatorData.TransportMode = strings.ToLower(promptString(reader,
		"Transport mode (udp/memory)", cfg.MediatorData.TransportMode))
	if cfg.MediatorData.TransportMode == TransportModeUDP {
		cfg.MediatorData.BindAddress = promptString(reader, "Bind address", cfg.MediatorData.BindAddress)
		cfg.MediatorData.UDPPort = promptInt(reader, "UDP port", cfg.MediatorData.UDPPort)
	}

	fmt.Println()
	fmt.Println("── Queues ──")

	cfg.MediatorData.QueueSizeLimit = promptInt(reader,
		"Packet queue size limit", cfg.MediatorData.QueueSizeLimit)
	cfg.MediatorData.RequestExpirySec = promptInt(reader,
		"Pending request expiry in seconds (0 disables)", cfg.MediatorData.RequestExpirySec)

	fmt.Println()
	fmt.Println("── REST API ──")

	cfg.MediatorData.APIPort = promptInt(reader, "REST API port", cfg.MediatorData.APIPort)

	fmt.Println()
	fmt.Println("── MQTT Telemetry ──")

	cfg.ApplicationData.MQTT.Enabled = promptBool(reader,
		"Enable MQTT telemetry", cfg.ApplicationData.MQTT.Enabled)
	if cfg.ApplicationData.MQTT.Enabled {
		cfg.ApplicationData.MQTT.BrokerURL = promptString(reader,
			"MQTT broker URL", cfg.ApplicationData.MQTT.BrokerURL)
		cfg.ApplicationData.MQTT.Port = promptInt(reader,
			"MQTT broker port", cfg.ApplicationData.MQTT.Port)
	}

	// Validate before saving
	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Println("\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Printf("  - [%s] %s\n", e.Field, e.Message)
		}
		retry := promptString(reader, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) == "yes" {
			return RunSetupWizard(cfg)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	// Save configuration
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Println()
	fmt.Println("✓ Configuration saved successfully!")
	fmt.Println("  Partyline will now start with your configuration.")
	fmt.Println()

	return nil
}

// splitSockets parses a comma-separated socket list, dropping empties.
func splitSockets(list string) []string {
	var sockets []string
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			sockets = append(sockets, part)
		}
	}
	return sockets
}

func promptString(reader *bufio.Reader, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Printf("  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptPassword(reader *bufio.Reader, prompt string) string {
	fmt.Printf("  %s: ", prompt)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func promptInt(reader *bufio.Reader, prompt string, defaultVal int) int {
	fmt.Printf("  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Printf("    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Printf("  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
