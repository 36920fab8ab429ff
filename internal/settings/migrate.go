package settings

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type rawDoc map[string]json.RawMessage

// migrate upgrades a blob to CurrentVersion. Version 1 blobs carry no
// "version" key.
func migrate(data []byte, v1 func(rawDoc) error) ([]byte, error) {
	var doc rawDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigCorrupt, err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}

	version := 1
	if rv, ok := doc["version"]; ok {
		if err := json.Unmarshal(rv, &version); err != nil {
			return nil, fmt.Errorf("%w: version: %v", ErrConfigCorrupt, err)
		}
	}
	switch {
	case version == 1:
		if err := v1(doc); err != nil {
			return nil, fmt.Errorf("%w: migrate v1: %v", ErrConfigCorrupt, err)
		}
	case version == CurrentVersion:
	default:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrConfigCorrupt, version)
	}
	delete(doc, "version")
	return json.Marshal(doc)
}

// migrateGlobalV1 rewrites the legacy global layout: string step values,
// "global" prefixed step keys, fractional hold durations, and identity lists
// stored as objects.
func migrateGlobalV1(doc rawDoc) error {
	if err := renameNumber(doc, "globalVolumeStep", "volumeStep"); err != nil {
		return err
	}
	rename(doc, "globalVolumeStepLock", "volumeStepLock")
	if err := renameNumber(doc, "inlineControlsHoldDuration", "inlineControlsHoldDuration"); err != nil {
		return err
	}
	for key, field := range map[string]string{
		"staticApplications":       "processName",
		"blacklistedApplications":  "processName",
		"whitelistedApplications":  "processName",
		"staticOutputDevices":      "id",
		"blacklistedOutputDevices": "id",
		"whitelistedOutputDevices": "id",
	} {
		if err := flattenList(doc, key, key, field); err != nil {
			return err
		}
	}
	dropSelectors(doc)
	delete(doc, "uuid")
	return nil
}

// migrateSlotV1 rewrites the legacy per-button layout.
func migrateSlotV1(doc rawDoc) error {
	// Application slots stored "volumeStep", volume slots "localVolumeStep".
	if _, ok := doc["localVolumeStep"]; !ok {
		rename(doc, "volumeStep", "localVolumeStep")
	}
	if err := renameNumber(doc, "localVolumeStep", "localVolumeStep"); err != nil {
		return err
	}

	if raw, ok := doc["staticApplication"]; ok {
		name, err := identityOf(raw, "processName")
		if err != nil {
			return fmt.Errorf("staticApplication: %w", err)
		}
		doc["staticApplication"] = mustJSON(name)
	}
	if raw, ok := doc["staticOutputDevice"]; ok {
		id, err := identityOf(raw, "id")
		if err != nil {
			return fmt.Errorf("staticOutputDevice: %w", err)
		}
		if _, has := doc["staticOutputDeviceName"]; !has {
			if name, _ := identityOf(raw, "name"); name != "" {
				doc["staticOutputDeviceName"] = mustJSON(name)
			}
		}
		doc["staticOutputDevice"] = mustJSON(id)
	}

	if err := flattenList(doc, "blacklistedApplications", "blacklist", "processName"); err != nil {
		return err
	}
	if err := flattenList(doc, "whitelistedApplications", "whitelist", "processName"); err != nil {
		return err
	}

	for _, k := range []string{
		"staticApplications", "blacklistApplications", "whitelistApplications",
		"blacklistApplicationName", "whitelistedApplicationName",
		"blacklistedOutputDeviceName", "whitelistedOutputDeviceName",
		"inlineControlsEnabled", "inlineControlsTimeout",
	} {
		delete(doc, k)
	}
	// Volume slots embedded a full copy of the global scope.
	for _, k := range []string{
		"globalVolumeStep", "globalVolumeStepLock", "inlineControlsHoldDuration",
		"staticOutputDevices", "blacklistedOutputDevices", "whitelistedOutputDevices",
		"uuid",
	} {
		delete(doc, k)
	}
	dropSelectors(doc)
	return nil
}

func rename(doc rawDoc, from, to string) {
	if v, ok := doc[from]; ok {
		delete(doc, from)
		doc[to] = v
	}
}

// renameNumber moves from to to, accepting a JSON number or a numeric string
// and rounding to an integer.
func renameNumber(doc rawDoc, from, to string) error {
	raw, ok := doc[from]
	if !ok {
		return nil
	}
	delete(doc, from)

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("%s: expected number", from)
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("%s: %q is not a number", from, s)
		}
	}
	doc[to] = mustJSON(int(math.Round(f)))
	return nil
}

// flattenList converts a list of strings or objects into a list of strings,
// taking field from each object.
func flattenList(doc rawDoc, from, to, field string) error {
	raw, ok := doc[from]
	if !ok {
		return nil
	}
	delete(doc, from)

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("%s: %v", from, err)
	}
	out := make([]string, 0, len(items))
	for i, it := range items {
		s, err := identityOf(it, field)
		if err != nil {
			return fmt.Errorf("%s[%d]: %w", from, i, err)
		}
		if s != "" {
			out = append(out, s)
		}
	}
	doc[to] = mustJSON(out)
	return nil
}

func identityOf(raw json.RawMessage, field string) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("expected string or object")
	}
	if obj == nil {
		return "", nil
	}
	v, ok := obj[field]
	if !ok {
		return "", nil
	}
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("%s: expected string", field)
	}
	return s, nil
}

func dropSelectors(doc rawDoc) {
	for k := range doc {
		if strings.HasSuffix(k, "Selector") {
			delete(doc, k)
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
