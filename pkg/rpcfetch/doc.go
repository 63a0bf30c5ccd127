// Package rpcfetch builds account snapshots from Solana JSON-RPC endpoints.
//
// The package consists of three components:
//
//   - Pool: hands out endpoints and tracks their health
//   - RPCClient: getAccountInfo and getMultipleAccounts over JSON-RPC 2.0
//   - SnapshotFetcher: batches keys, bounds concurrency, paces requests and
//     retries transient failures with exponential backoff
//
// # Usage
//
//	pool := rpcfetch.NewSimplePool([]string{"https://api.mainnet-beta.solana.com"})
//	fetcher, err := rpcfetch.NewSnapshotFetcher(pool, rpcfetch.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	accts, err := fetcher.Fetch(ctx, keys)
//	if err != nil {
//	    return err
//	}
//	return accounts.WriteSnapshotFile("accounts.json", accts)
//
// With FollowProgramData set (the default), every upgradeable program in
// the result pulls in its programdata account, so the snapshot can run the
// program offline.
package rpcfetch
