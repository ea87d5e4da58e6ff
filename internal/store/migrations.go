package store

// Timestamps are unix milliseconds in both dialects. JSON payloads are TEXT.

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS orgs (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    org_id        TEXT NOT NULL REFERENCES orgs(id),
    email         TEXT NOT NULL UNIQUE,
    name          TEXT NOT NULL,
    role          TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sites (
    id          TEXT PRIMARY KEY,
    org_id      TEXT NOT NULL REFERENCES orgs(id),
    site_code   TEXT NOT NULL,
    name        TEXT NOT NULL,
    address     TEXT NOT NULL DEFAULT '',
    postal_code TEXT NOT NULL DEFAULT '',
    region      TEXT NOT NULL DEFAULT '',
    lat         REAL,
    lon         REAL,
    timezone    TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sites_org ON sites(org_id, site_code);

CREATE TABLE IF NOT EXISTS user_sites (
    user_id     TEXT NOT NULL REFERENCES users(id),
    site_id     TEXT NOT NULL REFERENCES sites(id),
    PRIMARY KEY (user_id, site_id)
);

CREATE TABLE IF NOT EXISTS site_integrations (
    site_id                 TEXT PRIMARY KEY REFERENCES sites(id),
    atg_host                TEXT NOT NULL DEFAULT '',
    atg_port                INTEGER NOT NULL,
    atg_poll_interval_sec   INTEGER NOT NULL,
    atg_timeout_sec         INTEGER NOT NULL,
    atg_retries             INTEGER NOT NULL,
    atg_stale_sec           INTEGER NOT NULL,
    pump_timeout_sec        INTEGER NOT NULL,
    pump_keepalive_enabled  INTEGER NOT NULL,
    pump_reconnect_enabled  INTEGER NOT NULL,
    pump_stale_sec          INTEGER NOT NULL,
    updated_at              INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tanks (
    id              TEXT PRIMARY KEY,
    site_id         TEXT NOT NULL REFERENCES sites(id),
    atg_tank_id     TEXT NOT NULL,
    label           TEXT NOT NULL,
    product         TEXT NOT NULL DEFAULT '',
    capacity_liters REAL NOT NULL DEFAULT 0,
    active          INTEGER NOT NULL,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tanks_site ON tanks(site_id);

CREATE TABLE IF NOT EXISTS pumps (
    id          TEXT PRIMARY KEY,
    site_id     TEXT NOT NULL REFERENCES sites(id),
    pump_number INTEGER NOT NULL,
    label       TEXT NOT NULL,
    active      INTEGER NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pumps_site ON pumps(site_id);

CREATE TABLE IF NOT EXISTS pump_sides (
    id          TEXT PRIMARY KEY,
    pump_id     TEXT NOT NULL REFERENCES pumps(id),
    site_id     TEXT NOT NULL REFERENCES sites(id),
    side        TEXT NOT NULL,
    ip          TEXT NOT NULL DEFAULT '',
    port        INTEGER NOT NULL,
    active      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pump_sides_site ON pump_sides(site_id);

CREATE TABLE IF NOT EXISTS connection_status (
    id           TEXT PRIMARY KEY,
    site_id      TEXT NOT NULL REFERENCES sites(id),
    kind         TEXT NOT NULL,
    target_id    TEXT,
    status       TEXT NOT NULL,
    last_seen_at INTEGER,
    details      TEXT
);
CREATE INDEX IF NOT EXISTS idx_connection_site ON connection_status(site_id);

CREATE TABLE IF NOT EXISTS layouts (
    id          TEXT PRIMARY KEY,
    site_id     TEXT NOT NULL REFERENCES sites(id),
    version     INTEGER NOT NULL,
    name        TEXT NOT NULL,
    json        TEXT NOT NULL,
    created_by  TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    is_active   INTEGER NOT NULL,
    UNIQUE (site_id, version)
);

CREATE TABLE IF NOT EXISTS alarm_events (
    id          TEXT PRIMARY KEY,
    site_id     TEXT NOT NULL REFERENCES sites(id),
    tank_id     TEXT,
    pump_id     TEXT,
    side        TEXT,
    source_type TEXT NOT NULL,
    component   TEXT NOT NULL,
    severity    TEXT NOT NULL,
    state       TEXT NOT NULL,
    code        TEXT NOT NULL,
    message     TEXT NOT NULL,
    raw_payload TEXT,
    raised_at   INTEGER NOT NULL,
    cleared_at  INTEGER,
    ack_at      INTEGER,
    ack_by      TEXT,
    assigned_to TEXT,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alarm_site_state ON alarm_events(site_id, state);
CREATE INDEX IF NOT EXISTS idx_alarm_created ON alarm_events(created_at);

CREATE TABLE IF NOT EXISTS tank_measurements (
    id              TEXT PRIMARY KEY,
    tank_id         TEXT NOT NULL REFERENCES tanks(id),
    site_id         TEXT NOT NULL REFERENCES sites(id),
    ts              INTEGER NOT NULL,
    fuel_volume_l   REAL NOT NULL,
    fuel_height_mm  REAL NOT NULL,
    water_height_mm REAL NOT NULL,
    temp_c          REAL NOT NULL,
    ullage_l        REAL NOT NULL,
    raw_payload     TEXT
);
CREATE INDEX IF NOT EXISTS idx_measurements_tank_ts ON tank_measurements(tank_id, ts);
CREATE INDEX IF NOT EXISTS idx_measurements_ts ON tank_measurements(ts);

CREATE TABLE IF NOT EXISTS audit_log (
    id          TEXT PRIMARY KEY,
    org_id      TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    site_id     TEXT,
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    action      TEXT NOT NULL,
    before_json TEXT,
    after_json  TEXT,
    reason      TEXT,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_org_created ON audit_log(org_id, created_at);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS orgs (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    created_at  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    org_id        TEXT NOT NULL REFERENCES orgs(id),
    email         TEXT NOT NULL UNIQUE,
    name          TEXT NOT NULL,
    role          TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    created_at    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS sites (
    id          TEXT PRIMARY KEY,
    org_id      TEXT NOT NULL REFERENCES orgs(id),
    site_code   TEXT NOT NULL,
    name        TEXT NOT NULL,
    address     TEXT NOT NULL DEFAULT '',
    region      TEXT NOT NULL DEFAULT '',
    lat         DOUBLE PRECISION,
    lon         DOUBLE PRECISION,
    timezone    TEXT NOT NULL,
    created_at  BIGINT NOT NULL,
    updated_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sites_org ON sites(org_id, site_code);

CREATE TABLE IF NOT EXISTS user_sites (
    user_id     TEXT NOT NULL REFERENCES users(id),
    site_id     TEXT NOT NULL REFERENCES sites(id),
    PRIMARY KEY (user_id, site_id)
);

CREATE TABLE IF NOT EXISTS site_integrations (
    site_id                 TEXT PRIMARY KEY REFERENCES sites(id),
    atg_host                TEXT NOT NULL DEFAULT '',
    atg_port                INTEGER NOT NULL,
    atg_poll_interval_sec   INTEGER NOT NULL,
    atg_timeout_sec         INTEGER NOT NULL,
    atg_retries             INTEGER NOT NULL,
    atg_stale_sec           INTEGER NOT NULL,
    pump_timeout_sec        INTEGER NOT NULL,
    pump_keepalive_enabled  BOOLEAN NOT NULL,
    pump_reconnect_enabled  BOOLEAN NOT NULL,
    pump_stale_sec          INTEGER NOT NULL,
    updated_at              BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS tanks (
    id              TEXT PRIMARY KEY,
    site_id         TEXT NOT NULL REFERENCES sites(id),
    atg_tank_id     TEXT NOT NULL,
    label           TEXT NOT NULL,
    product         TEXT NOT NULL DEFAULT '',
    capacity_liters DOUBLE PRECISION NOT NULL DEFAULT 0,
    active          BOOLEAN NOT NULL,
    created_at      BIGINT NOT NULL,
    updated_at      BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tanks_site ON tanks(site_id);

CREATE TABLE IF NOT EXISTS pumps (
    id          TEXT PRIMARY KEY,
    site_id     TEXT NOT NULL REFERENCES sites(id),
    pump_number INTEGER NOT NULL,
    label       TEXT NOT NULL,
    active      BOOLEAN NOT NULL,
    created_at  BIGINT NOT NULL,
    updated_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pumps_site ON pumps(site_id);

CREATE TABLE IF NOT EXISTS pump_sides (
    id          TEXT PRIMARY KEY,
    pump_id     TEXT NOT NULL REFERENCES pumps(id),
    site_id     TEXT NOT NULL REFERENCES sites(id),
    side        TEXT NOT NULL,
    ip          TEXT NOT NULL DEFAULT '',
    port        INTEGER NOT NULL,
    active      BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pump_sides_site ON pump_sides(site_id);

CREATE TABLE IF NOT EXISTS connection_status (
    id           TEXT PRIMARY KEY,
    site_id      TEXT NOT NULL REFERENCES sites(id),
    kind         TEXT NOT NULL,
    target_id    TEXT,
    status       TEXT NOT NULL,
    last_seen_at BIGINT,
    details      TEXT
);
CREATE INDEX IF NOT EXISTS idx_connection_site ON connection_status(site_id);

CREATE TABLE IF NOT EXISTS layouts (
    id          TEXT PRIMARY KEY,
    site_id     TEXT NOT NULL REFERENCES sites(id),
    version     INTEGER NOT NULL,
    name        TEXT NOT NULL,
    json        TEXT NOT NULL,
    created_by  TEXT NOT NULL,
    created_at  BIGINT NOT NULL,
    is_active   BOOLEAN NOT NULL,
    UNIQUE (site_id, version)
);

CREATE TABLE IF NOT EXISTS alarm_events (
    id          TEXT PRIMARY KEY,
    site_id     TEXT NOT NULL REFERENCES sites(id),
    tank_id     TEXT,
    pump_id     TEXT,
    side        TEXT,
    source_type TEXT NOT NULL,
    component   TEXT NOT NULL,
    severity    TEXT NOT NULL,
    state       TEXT NOT NULL,
    code        TEXT NOT NULL,
    message     TEXT NOT NULL,
    raw_payload TEXT,
    raised_at   BIGINT NOT NULL,
    cleared_at  BIGINT,
    ack_at      BIGINT,
    ack_by      TEXT,
    assigned_to TEXT,
    created_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alarm_site_state ON alarm_events(site_id, state);
CREATE INDEX IF NOT EXISTS idx_alarm_created ON alarm_events(created_at);

CREATE TABLE IF NOT EXISTS tank_measurements (
    id              TEXT PRIMARY KEY,
    tank_id         TEXT NOT NULL REFERENCES tanks(id),
    site_id         TEXT NOT NULL REFERENCES sites(id),
    ts              BIGINT NOT NULL,
    fuel_volume_l   DOUBLE PRECISION NOT NULL,
    fuel_height_mm  DOUBLE PRECISION NOT NULL,
    water_height_mm DOUBLE PRECISION NOT NULL,
    temp_c          DOUBLE PRECISION NOT NULL,
    ullage_l        DOUBLE PRECISION NOT NULL,
    raw_payload     TEXT
);
CREATE INDEX IF NOT EXISTS idx_measurements_tank_ts ON tank_measurements(tank_id, ts);
CREATE INDEX IF NOT EXISTS idx_measurements_ts ON tank_measurements(ts);

CREATE TABLE IF NOT EXISTS audit_log (
    id          TEXT PRIMARY KEY,
    org_id      TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    site_id     TEXT,
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    action      TEXT NOT NULL,
    before_json TEXT,
    after_json  TEXT,
    reason      TEXT,
    created_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_org_created ON audit_log(org_id, created_at);
`

// columnMigration adds a column introduced after the first release.
type columnMigration struct {
	table  string
	column string
	ddl    string
}

// Postgres sites are created without postal_code so that both fresh and
// older databases go through the same column migration.
var columnMigrations = []columnMigration{
	{table: "sites", column: "postal_code", ddl: "TEXT NOT NULL DEFAULT ''"},
}
