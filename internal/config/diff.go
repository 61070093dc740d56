package config

// Diff returns the names of the top-level config sections that differ
// between old and new. Used when the watcher reloads the file so the
// change log names what moved without dumping secrets.
func Diff(old, new *Config) []string {
	if old == nil || new == nil {
		if old == new {
			return nil
		}
		return []string{"all"}
	}

	var changed []string
	if old.Server != new.Server {
		changed = append(changed, "server")
	}
	if old.Switch != new.Switch {
		changed = append(changed, "switch")
	}
	if old.Providers != new.Providers {
		changed = append(changed, "providers")
	}
	if old.Database != new.Database {
		changed = append(changed, "database")
	}
	if old.Webhook != new.Webhook {
		changed = append(changed, "webhook")
	}
	if old.Transfer != new.Transfer {
		changed = append(changed, "transfer")
	}
	if old.Session != new.Session {
		changed = append(changed, "session")
	}
	return changed
}
