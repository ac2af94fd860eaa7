package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaProfiles = `
CREATE TABLE IF NOT EXISTS behavioral_profiles (
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    profile TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, user_id)
);
`

const schemaDetections = `
CREATE TABLE IF NOT EXISTS anomaly_detections (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    tx_type TEXT,
    user_id TEXT,
    type TEXT NOT NULL,
    score REAL NOT NULL,
    severity TEXT NOT NULL,
    context TEXT,
    details TEXT,
    detected_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detections_tenant ON anomaly_detections(tenant_id);
CREATE INDEX IF NOT EXISTS idx_detections_tx ON anomaly_detections(tenant_id, tx_id);
CREATE INDEX IF NOT EXISTS idx_detections_user ON anomaly_detections(tenant_id, user_id);
CREATE INDEX IF NOT EXISTS idx_detections_time ON anomaly_detections(tenant_id, detected_at);
`

const schemaObservations = `
CREATE TABLE IF NOT EXISTS observations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    user_id TEXT,
    amount REAL NOT NULL,
    currency TEXT,
    device_fingerprint TEXT,
    ip TEXT,
    lat REAL,
    lon REAL,
    blocked INTEGER NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_observations_user ON observations(tenant_id, user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_observations_device ON observations(tenant_id, device_fingerprint, timestamp);
CREATE INDEX IF NOT EXISTS idx_observations_ip ON observations(tenant_id, ip, timestamp);
CREATE INDEX IF NOT EXISTS idx_observations_blocked ON observations(tenant_id, ip, blocked);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    anomaly_type TEXT NOT NULL,
    score REAL NOT NULL DEFAULT 50,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaProfiles,
		schemaDetections,
		schemaObservations,
		schemaRuleConfigs,
	}
}
