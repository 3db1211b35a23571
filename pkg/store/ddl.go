package store

// DDL for the default "outbox" table, handed to whatever migration runner the
// host uses. type and status are duplicated from the data envelope so pending
// lookups can use an index.

const PostgresSchema = `
CREATE TABLE IF NOT EXISTS outbox (
    id         BIGSERIAL PRIMARY KEY,
    version    BIGINT      NOT NULL,
    type       TEXT        NOT NULL,
    status     TEXT        NOT NULL,
    data       JSONB       NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS outbox_type_status_idx ON outbox (type, status, id);
`

const MySQLSchema = `
CREATE TABLE IF NOT EXISTS outbox (
    id         BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
    version    BIGINT       NOT NULL,
    type       VARCHAR(255) NOT NULL,
    status     VARCHAR(32)  NOT NULL,
    data       JSON         NOT NULL,
    created_at DATETIME(6)  NOT NULL,
    updated_at DATETIME(6)  NOT NULL,
    INDEX outbox_type_status_idx (type, status, id)
) ENGINE=InnoDB;
`

// data is STRING rather than JSON: Spanner's JSON type normalises numbers to
// float64 on read, which would not round-trip large integers in payloads.
const SpannerSchema = `
CREATE SEQUENCE outbox_seq OPTIONS (sequence_kind = 'bit_reversed_positive');
CREATE TABLE outbox (
    id         INT64     NOT NULL DEFAULT (GET_NEXT_SEQUENCE_VALUE(SEQUENCE outbox_seq)),
    version    INT64     NOT NULL,
    type       STRING(MAX) NOT NULL,
    status     STRING(64)  NOT NULL,
    data       STRING(MAX) NOT NULL,
    created_at TIMESTAMP NOT NULL OPTIONS (allow_commit_timestamp = true),
    updated_at TIMESTAMP NOT NULL OPTIONS (allow_commit_timestamp = true),
) PRIMARY KEY (id);
CREATE INDEX outbox_type_status_idx ON outbox (type, status, created_at);
`
