package normalize

import "github.com/rickgao/ibkr-data/internal/model"

// Canonical field names looked up through the alias table.
const (
	FieldAccountID          = "account_id"
	FieldTitle              = "title"
	FieldAccountType        = "account_type"
	FieldCurrency           = "currency"
	FieldContractID         = "contract_id"
	FieldSymbol             = "symbol"
	FieldSecurityType       = "security_type"
	FieldName               = "name"
	FieldExchange           = "exchange"
	FieldPrimaryExchange    = "primary_exchange"
	FieldLocalSymbol        = "local_symbol"
	FieldExpiry             = "expiry"
	FieldStrike             = "strike"
	FieldRight              = "right"
	FieldMultiplier         = "multiplier"
	FieldUnderlyingID       = "underlying_contract_id"
	FieldQuantity           = "quantity"
	FieldMarketPrice        = "market_price"
	FieldMarketValue        = "market_value"
	FieldAverageCost        = "average_cost"
	FieldUnrealizedPnL      = "unrealized_pnl"
	FieldRealizedPnL        = "realized_pnl"
	FieldExecID             = "exec_id"
	FieldOrderID            = "order_id"
	FieldSide               = "side"
	FieldPrice              = "price"
	FieldCommission         = "commission"
	FieldCommissionCurrency = "commission_currency"
	FieldNetAmount          = "net_amount"
	FieldLiquidity          = "liquidity"
	FieldOrderRef           = "order_ref"
	FieldExecutedAt         = "executed_at"
	FieldSourceID           = "source_id"
	FieldDate               = "date"
	FieldAmount             = "amount"
	FieldType               = "type"
	FieldDescription        = "description"
	FieldNetLiquidation     = "net_liquidation"
	FieldCashBalance        = "cash_balance"
	FieldGrossPosition      = "gross_position_value"
	FieldMaintenanceMargin  = "maintenance_margin"
	FieldInitialMargin      = "initial_margin"
	FieldExcessLiquidity    = "excess_liquidity"
	FieldBuyingPower        = "buying_power"
)

// AliasTable maps, per entity type, each canonical field to the ordered
// gjson paths it may appear under. The first path present in a record wins.
// This table is the only place source field names are spelled out.
type AliasTable map[model.EntityType]map[string][]string

// DefaultAliases returns the alias table for the Client Portal gateway,
// including the renames observed across its versions.
func DefaultAliases() AliasTable {
	instrument := map[string][]string{
		FieldContractID:      {"conid", "conId", "contractId"},
		FieldSymbol:          {"ticker", "symbol", "contractDesc"},
		FieldSecurityType:    {"assetClass", "secType", "sec_type", "securityType"},
		FieldName:            {"name", "fullName", "company_name"},
		FieldExchange:        {"listingExchange", "exchange"},
		FieldPrimaryExchange: {"primaryExchange"},
		FieldLocalSymbol:     {"localSymbol"},
		FieldExpiry:          {"expiry", "lastTradingDay", "expiration"},
		FieldStrike:          {"strike"},
		FieldRight:           {"putOrCall", "right"},
		FieldMultiplier:      {"multiplier"},
		FieldUnderlyingID:    {"undConid", "underlyingConid"},
	}

	positions := merge(instrument, map[string][]string{
		FieldAccountID:     {"acctId", "accountId"},
		FieldCurrency:      {"currency"},
		FieldQuantity:      {"position", "shares", "qty", "quantity"},
		FieldMarketPrice:   {"mktPrice", "marketPrice"},
		FieldMarketValue:   {"mktValue", "marketValue"},
		FieldAverageCost:   {"avgCost", "avgPrice", "averageCost"},
		FieldUnrealizedPnL: {"unrealizedPnl", "unrealizedPnL"},
		FieldRealizedPnL:   {"realizedPnl", "realizedPnL"},
	})

	executions := merge(instrument, map[string][]string{
		FieldExecID:             {"execution_id", "executionId", "execId"},
		FieldAccountID:          {"account", "accountCode", "acctId", "accountId"},
		FieldOrderID:            {"order_id", "orderId"},
		FieldSide:               {"side", "buySell"},
		FieldQuantity:           {"size", "shares", "qty", "quantity"},
		FieldPrice:              {"price", "tradePrice"},
		FieldCurrency:           {"currency"},
		FieldCommission:         {"commission", "ibCommission"},
		FieldCommissionCurrency: {"commission_currency", "ibCommissionCurrency"},
		FieldNetAmount:          {"net_amount", "netAmount"},
		FieldLiquidity:          {"liquidity"},
		FieldOrderRef:           {"order_ref", "orderRef"},
		FieldExecutedAt:         {"trade_time_r", "trade_time", "tradeTime", "dateTime"},
	})
	// Trades report the ticker as "symbol" and the description separately.
	executions[FieldSymbol] = []string{"symbol", "ticker", "contract_description_1"}

	return AliasTable{
		model.EntityAccounts: {
			FieldAccountID:   {"accountId", "id"},
			FieldTitle:       {"accountTitle", "displayName", "desc"},
			FieldAccountType: {"type", "accountType"},
			FieldCurrency:    {"currency", "baseCurrency"},
		},
		model.EntityPositions:  positions,
		model.EntityExecutions: executions,
		model.EntityCashTransactions: {
			FieldSourceID:    {"transactionId", "txnId", "transactionID"},
			FieldAccountID:   {"acctid", "accountId"},
			FieldContractID:  {"conid"},
			FieldDate:        {"date", "settleDate", "reportDate"},
			FieldAmount:      {"amt", "amount"},
			FieldCurrency:    {"cur", "currency"},
			FieldType:        {"type", "txnType"},
			FieldDescription: {"desc", "description"},
		},
		model.EntityAccountSummaries: {
			FieldCurrency:          {"netliquidation.currency", "currency"},
			FieldNetLiquidation:    {"netliquidation.amount", "netLiquidation", "NetLiquidation"},
			FieldCashBalance:       {"totalcashvalue.amount", "totalCashValue", "TotalCashValue"},
			FieldGrossPosition:     {"grosspositionvalue.amount", "grossPositionValue", "GrossPositionValue"},
			FieldMaintenanceMargin: {"maintmarginreq.amount", "maintMarginReq", "MaintMarginReq"},
			FieldInitialMargin:     {"initmarginreq.amount", "initMarginReq", "InitMarginReq"},
			FieldExcessLiquidity:   {"excessliquidity.amount", "excessLiquidity", "ExcessLiquidity"},
			FieldBuyingPower:       {"buyingpower.amount", "buyingPower", "BuyingPower"},
			FieldRealizedPnL:       {"realizedpnl.amount", "realizedPnL", "RealizedPnL"},
			FieldUnrealizedPnL:     {"unrealizedpnl.amount", "unrealizedPnL", "UnrealizedPnL"},
		},
	}
}

func merge(base, extra map[string][]string) map[string][]string {
	out := make(map[string][]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
