// Package app composes the ledger services into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── account/        # Ledger accounts and their risk counters
//	│   ├── authorization/  # Decisions and reason codes
//	│   ├── institution/    # Institutions and secret code pools
//	│   └── reset/          # Daily reset tracker
//	├── storage/            # Store interfaces and unit of work
//	│   ├── memory/         # In-memory implementation for tests and local runs
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/           # Business logic
//	│   ├── authorization/  # Decision engine and commit path
//	│   ├── counters/       # Daily counter reset and its runner
//	│   ├── rotation/       # Secret code rotation and its runner
//	│   ├── accounts/       # Registration, profile, PIN, credit, risk params
//	│   └── institutions/   # Seeding and listing institutions
//	├── httpapi/            # HTTP routes and handlers
//	├── runtime/            # Config -> stores -> app -> HTTP server
//	├── system/             # Lifecycle manager
//	└── metrics/            # Prometheus collectors
//
// # Dependency Direction
//
//	cmd/ledgerd, cmd/ledgerctl
//	      │
//	      ▼
//	internal/app/runtime ──► internal/app/httpapi ──► internal/middleware
//	      │
//	      ▼
//	internal/app (composition)
//	      │
//	      ├──► internal/app/services ──► internal/app/storage
//	      │
//	      └──► internal/platform (locking, schedule, migrations)
//
// Decisions never depend on request traffic: the rotation and reset runners
// are lifecycle services on their own cron schedules, coordinated across
// processes through a locking.Locker.
package app
