package commit

import (
	"fmt"

	"github.com/smazurov/hwcomposer/internal/kms"
)

// HDCP content types.
const (
	ContentType0 = "HDCP Type0"
	ContentType1 = "HDCP Type1"
)

// SetContentProtection asks the driver to start or stop HDCP on the
// connector. It writes the connector properties directly, outside any
// frame commit. contentType is ignored when the driver has no
// "HDCP Content Type" property.
func (m *Manager) SetContentProtection(desired bool, contentType string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	conn := m.pipe.Connector
	if contentType != "" && conn.Prop("HDCP Content Type").Exists() {
		if err := conn.SetEnumProperty("HDCP Content Type", contentType); err != nil {
			return fmt.Errorf("set HDCP content type: %w", err)
		}
	}
	state := kms.ContentProtectionUndesired
	if desired {
		state = kms.ContentProtectionDesired
	}
	if err := conn.SetEnumProperty("Content Protection", state); err != nil {
		return fmt.Errorf("set content protection: %w", err)
	}
	m.logger.Info("Content protection requested", "state", state, "type", contentType)
	return nil
}

// ContentProtectionStatus re-reads the connector and returns the current
// "Content Protection" state name.
func (m *Manager) ContentProtectionStatus() (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	conn := m.pipe.Connector
	if err := conn.Refresh(); err != nil {
		return "", err
	}
	prop := conn.Prop("Content Protection")
	if !prop.Exists() {
		return "", fmt.Errorf("connector %s: %w", conn.Name(), kms.ErrPropertyNotFound)
	}
	name, ok := prop.EnumName(prop.Value())
	if !ok {
		return "", fmt.Errorf("connector %s: %w: %d", conn.Name(), kms.ErrUnknownEnum, prop.Value())
	}
	return name, nil
}
