package ledger

import "errors"

var (
	// ErrAlreadyRunning は同一スコープで実行中のジョブが既に存在することを表す
	// 呼び出し側で回復可能であり、ジョブ自体のエラー状態ではない
	ErrAlreadyRunning = errors.New("a sync job is already running for this scope")

	// ErrInvalidTransition は許可されない状態遷移を表す
	// 台帳の破損あるいはリカバリ漏れを示すため、決して握りつぶさず呼び出し側へ伝播する
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrNotFound は対象のジョブ/実行が存在しないことを表す
	ErrNotFound = errors.New("job not found")
)
