package repository

// Schema definitions for the leaddesk database.
// Compatible with both SQLite and PostgreSQL.

const schemaLeads = `
CREATE TABLE IF NOT EXISTS leads (
    id TEXT PRIMARY KEY,
    lead_type TEXT NOT NULL,
    first_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    new_email TEXT NOT NULL DEFAULT '',
    old_email TEXT NOT NULL DEFAULT '',
    new_phone TEXT NOT NULL DEFAULT '',
    old_phone TEXT NOT NULL DEFAULT '',
    country TEXT NOT NULL DEFAULT '',
    gender TEXT NOT NULL DEFAULT '',
    dob TEXT NOT NULL DEFAULT '',
    client TEXT NOT NULL DEFAULT '',
    client_broker TEXT NOT NULL DEFAULT '',
    client_network TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT '',
    is_assigned INTEGER NOT NULL DEFAULT 0,
    order_id TEXT NOT NULL DEFAULT '',
    assigned_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    extra TEXT
);

CREATE INDEX IF NOT EXISTS idx_leads_pool ON leads(lead_type, is_assigned, created_at);
CREATE INDEX IF NOT EXISTS idx_leads_order ON leads(order_id);
CREATE INDEX IF NOT EXISTS idx_leads_country ON leads(lead_type, country);
`

const schemaOrders = `
CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    requester TEXT NOT NULL,
    status TEXT NOT NULL,
    requests TEXT NOT NULL,
    fulfilled TEXT NOT NULL,
    leads TEXT NOT NULL,
    filters TEXT NOT NULL,
    messages TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    cancelled_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_orders_requester ON orders(requester, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
`

// schemaEligibilityRules defines admin-managed CEL rules.
const schemaEligibilityRules = `
CREATE TABLE IF NOT EXISTS eligibility_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    lead_types TEXT NOT NULL,
    expression TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_eligibility_rules_enabled ON eligibility_rules(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaLeads,
		schemaOrders,
		schemaEligibilityRules,
	}
}
