package registry

import "github.com/avhub/avhub/internal/devices"

// applyPatch merges the set fields of p into d, honouring per-field
// origin protection. It reports whether any real field changed;
// LastSeen is bookkeeping and never counts.
func applyPatch(d *devices.Device, p devices.Patch, origin devices.Origin) bool {
	changed := false

	if p.Name != nil && canSet(d, devices.FieldName, origin) && d.Name != *p.Name {
		d.Name = *p.Name
		d.SetOrigin(devices.FieldName, origin)

		changed = true
	}

	if p.Type != nil && devices.DeviceType(*p.Type) != d.Type {
		d.Type = devices.DeviceType(*p.Type)
		changed = true
	}

	changed = applyAddress(d, p, origin) || changed
	changed = applyCredentials(d, p, origin) || changed
	changed = applyCapabilities(d, p, origin) || changed
	changed = applyStreams(d, p, origin) || changed

	if p.LastSeen != nil {
		d.LastSeen = *p.LastSeen
	}

	return changed
}

func applyAddress(d *devices.Device, p devices.Patch, origin devices.Origin) bool {
	if !canSet(d, devices.FieldAddress, origin) {
		return false
	}

	changed := false

	if p.IP != nil && *p.IP != d.IP {
		d.IP = *p.IP
		changed = true
	}

	if p.Port != nil && *p.Port != d.Port {
		d.Port = *p.Port
		changed = true
	}

	if p.Protocol != nil && *p.Protocol != d.Protocol {
		d.Protocol = *p.Protocol
		changed = true
	}

	if p.SystemPath != nil && *p.SystemPath != d.SystemPath {
		d.SystemPath = *p.SystemPath
		changed = true
	}

	if p.Driver != nil && *p.Driver != d.Driver {
		d.Driver = *p.Driver
		changed = true
	}

	if changed {
		d.SetOrigin(devices.FieldAddress, origin)
	}

	return changed
}

// applyCredentials ignores empty values: a blank username or password
// in a patch never erases a stored credential.
func applyCredentials(d *devices.Device, p devices.Patch, origin devices.Origin) bool {
	if !canSet(d, devices.FieldCredentials, origin) {
		return false
	}

	changed := false

	if p.Username != nil && *p.Username != "" && *p.Username != d.Username {
		d.Username = *p.Username
		changed = true
	}

	if p.Password != nil && *p.Password != "" && *p.Password != d.Password {
		d.Password = *p.Password
		changed = true
	}

	if changed {
		d.SetOrigin(devices.FieldCredentials, origin)
	}

	return changed
}

// applyCapabilities always unions; a union cannot clobber user tags,
// so no origin gate applies. The user flag only ever upgrades.
func applyCapabilities(d *devices.Device, p devices.Patch, origin devices.Origin) bool {
	if len(p.Capabilities) == 0 {
		return false
	}

	if !d.AddCapabilities(p.Capabilities...) {
		return false
	}

	if origin == devices.OriginUser {
		d.SetOrigin(devices.FieldCapabilities, origin)
	}

	return true
}

func applyStreams(d *devices.Device, p devices.Patch, origin devices.Origin) bool {
	if len(p.SetStreams) == 0 && len(p.RemoveStreams) == 0 {
		return false
	}

	if !canSet(d, devices.FieldStreams, origin) {
		return false
	}

	changed := false

	for id, url := range p.SetStreams {
		if d.Streams[id] == url {
			continue
		}

		if d.Streams == nil {
			d.Streams = map[string]string{}
		}

		d.Streams[id] = url
		changed = true
	}

	for _, id := range p.RemoveStreams {
		if _, ok := d.Streams[id]; ok {
			delete(d.Streams, id)
			changed = true
		}
	}

	if changed {
		d.SetOrigin(devices.FieldStreams, origin)
	}

	return changed
}

// canSet reports whether a patch from origin may touch a field.
// User patches always may; discovery only when the field is not
// user-owned.
func canSet(d *devices.Device, f devices.Field, origin devices.Origin) bool {
	if origin == devices.OriginUser {
		return true
	}

	return d.OriginOf(f) != devices.OriginUser
}
