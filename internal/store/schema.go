package store

// Schema is applied at startup. Statements are idempotent so repeated
// startups are safe without a migration tool.
const Schema = `
CREATE TABLE IF NOT EXISTS hosted_identities (
	identity_id        BYTEA PRIMARY KEY,
	public_key         BYTEA NOT NULL,
	version            BYTEA NOT NULL DEFAULT '\x000000',
	name               TEXT NOT NULL DEFAULT '',
	type               TEXT NOT NULL DEFAULT '',
	latitude           DOUBLE PRECISION NOT NULL DEFAULT 0,
	longitude          DOUBLE PRECISION NOT NULL DEFAULT 0,
	extra_data         TEXT NOT NULL DEFAULT '',
	profile_image_id   TEXT NOT NULL DEFAULT '',
	thumbnail_image_id TEXT NOT NULL DEFAULT '',
	hosting_redirect   BYTEA,
	expiration_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS hosted_identities_name_idx ON hosted_identities (lower(name));
CREATE INDEX IF NOT EXISTS hosted_identities_loc_idx ON hosted_identities (latitude, longitude);

CREATE TABLE IF NOT EXISTS neighbor_identities (
	identity_id        BYTEA NOT NULL,
	hosting_server_id  BYTEA NOT NULL,
	version            BYTEA NOT NULL DEFAULT '\x000000',
	name               TEXT NOT NULL DEFAULT '',
	type               TEXT NOT NULL DEFAULT '',
	latitude           DOUBLE PRECISION NOT NULL DEFAULT 0,
	longitude          DOUBLE PRECISION NOT NULL DEFAULT 0,
	extra_data         TEXT NOT NULL DEFAULT '',
	thumbnail_image_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (identity_id, hosting_server_id)
);

CREATE TABLE IF NOT EXISTS followers (
	follower_id     BYTEA PRIMARY KEY,
	ip              TEXT NOT NULL,
	primary_port    INTEGER NOT NULL,
	neighbor_port   INTEGER NOT NULL,
	last_refresh_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS neighbors (
	neighbor_id     BYTEA PRIMARY KEY,
	last_refresh_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS related_cards (
	identity_id         BYTEA NOT NULL,
	application_id      BYTEA NOT NULL,
	card_id             BYTEA NOT NULL,
	card_version        BYTEA NOT NULL,
	issuer_public_key   BYTEA NOT NULL,
	recipient_public_key BYTEA NOT NULL,
	type                TEXT NOT NULL DEFAULT '',
	valid_from          TIMESTAMPTZ NOT NULL,
	valid_to            TIMESTAMPTZ NOT NULL,
	issuer_signature    BYTEA NOT NULL,
	recipient_signature BYTEA NOT NULL,
	PRIMARY KEY (identity_id, application_id)
);

CREATE TABLE IF NOT EXISTS neighborhood_actions (
	id                 TEXT PRIMARY KEY,
	server_id          BYTEA NOT NULL,
	action_type        SMALLINT NOT NULL,
	target_identity_id BYTEA,
	extra              TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	execute_after      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS neighborhood_actions_server_idx ON neighborhood_actions (server_id, id);
`
