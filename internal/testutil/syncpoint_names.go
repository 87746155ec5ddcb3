package testutil

// Sync point names, "Component::Function:Location".
const (
	// Lock manager
	SPLockEnqueued    = "LockManager::Acquire:Enqueued"
	SPLockBeforeWait  = "LockManager::Acquire:BeforeWait"
	SPLockGranted     = "LockManager::Acquire:Granted"
	SPLockVictimize   = "LockManager::Victimize:Start"
	SPLockEntryRetire = "LockManager::Release:RetireEntry"

	// Deadlock detector
	SPDeadlockScan = "Detector::DetectDeadlock:Start"

	// Epoch reclamation
	SPEpochPinPublished = "Participant::Pin:Published"
	SPEpochTryAdvance   = "Collector::TryAdvance:Sampled"
	SPEpochDrainBag     = "Worker::Collect:DrainBag"

	// Version store
	SPMVCCBeforeLink   = "Store::AddVersion:BeforeLink"
	SPMVCCUnlinkPrefix = "Store::GC:UnlinkPrefix"
	SPMVCCRetireChain  = "Store::GC:RetireChain"
)
