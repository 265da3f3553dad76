package types

import (
	"strings"
	"testing"
)

func TestGetSOPClassInfo(t *testing.T) {
	tests := []struct {
		uid      string
		wantName string
		wantCat  string
	}{
		{VerificationSOPClass, "Verification SOP Class", "Verification"},
		{CTImageStorage, "CT Image Storage", "Storage"},
		{MRImageStorage, "MR Image Storage", "Storage"},
		{StudyRootQueryRetrieveInformationModelFind, "Study Root Query/Retrieve - FIND", "Query/Retrieve"},
	}

	for _, tt := range tests {
		info := GetSOPClassInfo(tt.uid)
		if info.UID != tt.uid {
			t.Errorf("GetSOPClassInfo(%s).UID = %s", tt.uid, info.UID)
		}
		if info.Name != tt.wantName {
			t.Errorf("GetSOPClassInfo(%s).Name = %s, want %s", tt.uid, info.Name, tt.wantName)
		}
		if info.Category != tt.wantCat {
			t.Errorf("GetSOPClassInfo(%s).Category = %s, want %s", tt.uid, info.Category, tt.wantCat)
		}
	}
}

func TestGetSOPClassInfo_Unregistered(t *testing.T) {
	uid := "1.2.3.4.5.6.7.8.9"
	info := GetSOPClassInfo(uid)
	if info.UID != uid {
		t.Errorf("UID = %s, want the queried UID echoed back", info.UID)
	}
	if info.Name != "Unknown" || info.Category != "Unknown" {
		t.Errorf("unregistered UID classified as %s/%s, want Unknown/Unknown", info.Name, info.Category)
	}
}

func TestSOPClassCategorization(t *testing.T) {
	storage := []string{
		CTImageStorage,
		MRImageStorage,
		SecondaryCaptureImageStorage,
		PETImageStorage,
		RTDoseStorage,
		EncapsulatedPDFStorage,
	}
	for _, uid := range storage {
		if !IsStorageSOPClass(uid) {
			t.Errorf("IsStorageSOPClass(%s) = false", uid)
		}
		if IsQueryRetrieveSOPClass(uid) {
			t.Errorf("IsQueryRetrieveSOPClass(%s) = true for a storage class", uid)
		}
	}

	queryRetrieve := []string{
		StudyRootQueryRetrieveInformationModelFind,
		StudyRootQueryRetrieveInformationModelMove,
		StudyRootQueryRetrieveInformationModelGet,
		PatientRootQueryRetrieveInformationModelFind,
		PatientRootQueryRetrieveInformationModelMove,
		PatientRootQueryRetrieveInformationModelGet,
	}
	for _, uid := range queryRetrieve {
		if !IsQueryRetrieveSOPClass(uid) {
			t.Errorf("IsQueryRetrieveSOPClass(%s) = false", uid)
		}
		if IsStorageSOPClass(uid) {
			t.Errorf("IsStorageSOPClass(%s) = true for a query/retrieve class", uid)
		}
	}

	for _, uid := range []string{VerificationSOPClass, "1.2.3.4.5.6.7.8.9"} {
		if IsStorageSOPClass(uid) || IsQueryRetrieveSOPClass(uid) {
			t.Errorf("%s miscategorized as storage or query/retrieve", uid)
		}
	}
}

func TestSOPClassRegistryConsistency(t *testing.T) {
	for uid, info := range sopClassRegistry {
		if info.UID != uid {
			t.Errorf("registry key %s maps to entry with UID %s", uid, info.UID)
		}
		if info.Name == "" || info.Category == "" {
			t.Errorf("registry entry %s has an empty name or category", uid)
		}
		// Standard DICOM UIDs live under the NEMA root.
		if !strings.HasPrefix(uid, "1.2.840.10008") {
			t.Errorf("registry UID %s is not under the DICOM root", uid)
		}
	}
}

func TestStorageSOPClasses(t *testing.T) {
	classes := StorageSOPClasses()
	if len(classes) == 0 {
		t.Fatal("StorageSOPClasses returned nothing")
	}

	seen := make(map[string]bool, len(classes))
	for _, uid := range classes {
		if seen[uid] {
			t.Errorf("%s proposed twice", uid)
		}
		seen[uid] = true

		if !IsStorageSOPClass(uid) {
			t.Errorf("%s is proposed but not registered as a storage class", uid)
		}
	}
}
