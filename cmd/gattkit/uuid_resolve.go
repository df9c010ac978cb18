package main

import (
	"fmt"
	"strings"

	"github.com/srg/gattkit/internal/device"
)

// parseCSVUUIDs parses a comma-separated string of UUIDs.
// Handles whitespace and filters empty elements.
//
// Examples:
//
//	"2a37" -> [2a37]
//	"2a37, 2a38" -> [2a37 2a38]
func parseCSVUUIDs(input string) ([]device.Identity, error) {
	var values []string
	for _, u := range strings.Split(input, ",") {
		if u = strings.TrimSpace(u); u != "" {
			values = append(values, u)
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("no valid UUIDs provided")
	}
	return device.ParseIdentities(values...)
}

// parseOptionalUUID parses a flag value that may be empty.
func parseOptionalUUID(flag, value string) (device.Identity, error) {
	if value == "" {
		return device.NilIdentity, nil
	}
	id, err := device.ParseIdentity(value)
	if err != nil {
		return id, fmt.Errorf("invalid --%s: %w", flag, err)
	}
	return id, nil
}

// resolveCharacteristic finds id among the discovered services. With a nil
// service every service is searched and the match must be unique.
func resolveCharacteristic(services []device.Service, service, id device.Identity) (device.Characteristic, error) {
	var found []device.Characteristic
	serviceSeen := service.IsNil()
	for _, svc := range services {
		if !service.IsNil() {
			if svc.ID != service {
				continue
			}
			serviceSeen = true
		}
		if c, ok := svc.Characteristic(id); ok {
			found = append(found, c)
		}
	}

	switch {
	case !serviceSeen:
		return device.Characteristic{}, &device.NotFoundError{Resource: "service", IDs: []device.Identity{service}}
	case len(found) == 0:
		return device.Characteristic{}, &device.NotFoundError{Resource: "characteristic", IDs: []device.Identity{id}}
	case len(found) > 1:
		return device.Characteristic{}, fmt.Errorf("characteristic %s found in multiple services, specify --service", id.Short())
	}
	return found[0], nil
}

// resolveCharacteristics resolves every id, or all characteristics of service
// with properties when ids is empty.
func resolveCharacteristics(services []device.Service, service device.Identity, ids []device.Identity, want device.Property) ([]device.Characteristic, error) {
	if len(ids) == 0 {
		if service.IsNil() {
			return nil, fmt.Errorf("no UUIDs provided")
		}
		for _, svc := range services {
			if svc.ID != service {
				continue
			}
			var chars []device.Characteristic
			for _, c := range svc.Characteristics {
				if c.Properties&want != 0 {
					chars = append(chars, c)
				}
			}
			if len(chars) == 0 {
				return nil, fmt.Errorf("no %s characteristics found in service %s", want, service.Short())
			}
			return chars, nil
		}
		return nil, &device.NotFoundError{Resource: "service", IDs: []device.Identity{service}}
	}

	chars := make([]device.Characteristic, 0, len(ids))
	for _, id := range ids {
		c, err := resolveCharacteristic(services, service, id)
		if err != nil {
			return nil, err
		}
		chars = append(chars, c)
	}
	return chars, nil
}

// resolveDescriptor finds desc under char.
func resolveDescriptor(char device.Characteristic, desc device.Identity) (device.Descriptor, error) {
	d, ok := char.Descriptor(desc)
	if !ok {
		return d, &device.NotFoundError{Resource: "descriptor", IDs: []device.Identity{desc}}
	}
	return d, nil
}
