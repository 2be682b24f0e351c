package config

// Sample is the starter configuration written by `reconciler init`.
const Sample = `version: 1

global:
  db_path: reconciler.db
  log_level: info

chain:
  rpc_url: ${RPC_URL}
  chain_id: 84532
  contract: ${CONTRACT_ADDRESS}
  operator_key: ${OPERATOR_PRIVATE_KEY}
  # abi_path: ./abi/biequity_core.json   # defaults to the embedded contract ABI
  mint_event: TokensMinted
  redeem_event: TokensRedeemed
  settle_method: settleTokens
  # redeem_method: settleRedeem          # set to settle redeems on-chain
  start_block: latest-1000
  confirmations: 2
  max_block_range: 5000
  rpc_timeout: 20s
  wait_mined: false
  mined_timeout: 2m

brokerage:
  base_url: https://paper-api.alpaca.markets
  api_key: ${ALPACA_API_KEY}
  api_secret: ${ALPACA_SECRET_KEY}
  timeout: 30s
  time_in_force: day
  qty_precision: 9

catalog:
  symbols: [AAPL, TSLA, MSFT]
  refresh_interval: 10m

engine:
  max_attempts: 3
  max_settle_attempts: 10
  base_backoff: 500ms
  max_backoff: 10s

scheduler:
  schedule: "@every 1m"
  lock_backend: sqlite
  lock_ttl: 10m
  # redis_addr: localhost:6379

server:
  addr: ":8080"

alerts:
  - id: ops_slack
    type: slack
    webhook_url: ${SLACK_WEBHOOK_URL}
`
