package core

type Capability string // Capabilities of services

const (
	CapabilityNotifier  Capability = "NOTIFIER"
	CapabilityAPI       Capability = "API"
	CapabilitySecrets   Capability = "SECRETS"
	CapabilityValidator Capability = "VALIDATOR"
)
