package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS maintainers (
	username    TEXT NOT NULL,
	public_key  TEXT NOT NULL,
	layer       INTEGER NOT NULL CHECK (layer BETWEEN 1 AND 5),
	active      INTEGER NOT NULL DEFAULT 1,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (username, public_key)
);
CREATE UNIQUE INDEX IF NOT EXISTS maintainers_active_username ON maintainers (username) WHERE active = 1;

CREATE TABLE IF NOT EXISTS economic_nodes (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	public_key    TEXT NOT NULL,
	weight        REAL NOT NULL CHECK (weight >= 0),
	status        TEXT NOT NULL,
	handle        TEXT,
	evidence      TEXT NOT NULL DEFAULT '',
	registered_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS economic_nodes_active_key ON economic_nodes (public_key) WHERE status = 'active';
CREATE UNIQUE INDEX IF NOT EXISTS economic_nodes_handle ON economic_nodes (handle) WHERE handle IS NOT NULL;

CREATE TABLE IF NOT EXISTS pull_requests (
	repo              TEXT NOT NULL,
	number            INTEGER NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	author            TEXT NOT NULL DEFAULT '',
	head_sha          TEXT NOT NULL DEFAULT '',
	tier              INTEGER NOT NULL CHECK (tier BETWEEN 1 AND 5),
	tier_overridden   INTEGER NOT NULL DEFAULT 0,
	state             TEXT NOT NULL,
	opened_at         TEXT NOT NULL,
	review_period_met INTEGER NOT NULL DEFAULT 0,
	signatures_met    INTEGER NOT NULL DEFAULT 0,
	veto_active       INTEGER NOT NULL DEFAULT 0,
	verdict           TEXT NOT NULL DEFAULT '',
	decision_hash     TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	PRIMARY KEY (repo, number)
);

CREATE TABLE IF NOT EXISTS signatures (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	repo       TEXT NOT NULL,
	number     INTEGER NOT NULL,
	signer     TEXT NOT NULL,
	signature  TEXT NOT NULL,
	source_id  TEXT NOT NULL,
	status     TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS signatures_source ON signatures (source_id);
CREATE UNIQUE INDEX IF NOT EXISTS signatures_accepted ON signatures (repo, number, signer) WHERE status = 'accepted';
CREATE INDEX IF NOT EXISTS signatures_pr ON signatures (repo, number);

CREATE TABLE IF NOT EXISTS veto_signals (
	id           TEXT PRIMARY KEY,
	repo         TEXT NOT NULL,
	number       INTEGER NOT NULL,
	node_id      TEXT NOT NULL,
	node_kind    TEXT NOT NULL,
	kind         TEXT NOT NULL,
	weight       REAL NOT NULL,
	strength     INTEGER NOT NULL,
	rationale    TEXT NOT NULL DEFAULT '',
	signature    TEXT NOT NULL,
	active       INTEGER NOT NULL,
	created_at   TEXT NOT NULL,
	withdrawn_at TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS veto_signals_active ON veto_signals (repo, number, node_id) WHERE active = 1;

CREATE TABLE IF NOT EXISTS emergencies (
	id                      TEXT PRIMARY KEY,
	scope                   TEXT NOT NULL,
	tier                    INTEGER NOT NULL CHECK (tier BETWEEN 1 AND 3),
	state                   TEXT NOT NULL,
	activated_by            TEXT NOT NULL,
	reason                  TEXT NOT NULL,
	evidence                TEXT NOT NULL,
	signers                 TEXT NOT NULL,
	activated_at            TEXT NOT NULL,
	expires_at              TEXT NOT NULL,
	extension_count         INTEGER NOT NULL DEFAULT 0,
	expired_at              TEXT,
	post_mortem_deadline    TEXT,
	post_mortem_url         TEXT NOT NULL DEFAULT '',
	post_mortem_at          TEXT,
	security_audit_deadline TEXT,
	security_audit_url      TEXT NOT NULL DEFAULT '',
	security_audit_at       TEXT,
	closed_at               TEXT,
	CHECK (expires_at >= activated_at)
);
CREATE UNIQUE INDEX IF NOT EXISTS emergencies_active_scope ON emergencies (scope) WHERE state = 'active';

CREATE TABLE IF NOT EXISTS audit_log (
	seq           INTEGER PRIMARY KEY CHECK (seq >= 0),
	ts            TEXT NOT NULL,
	job_id        TEXT NOT NULL UNIQUE,
	job_type      TEXT NOT NULL,
	actor         TEXT NOT NULL DEFAULT '',
	payload       TEXT NOT NULL,
	prev_log_hash TEXT NOT NULL,
	this_log_hash TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS ruleset_config (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ruleset_hash TEXT NOT NULL,
	ruleset_json TEXT NOT NULL,
	loaded_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	delivery_id TEXT PRIMARY KEY,
	event       TEXT NOT NULL,
	received_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS status_outbox (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	repo            TEXT NOT NULL,
	number          INTEGER NOT NULL,
	head_sha        TEXT NOT NULL,
	state           TEXT NOT NULL,
	context         TEXT NOT NULL,
	description     TEXT NOT NULL,
	body            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	next_attempt_at TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	sent_at         TEXT
);
CREATE INDEX IF NOT EXISTS status_outbox_pending ON status_outbox (status, next_attempt_at);
`
