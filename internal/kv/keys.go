package kv

import "fmt"

func TenantKey(oid int64) string {
	return fmt.Sprintf("fb:tenant:%d", oid)
}

func TenantIdentifierKey(identifier string) string {
	return "fb:tenant:ident:" + identifier
}

func TenantIDKey(id string) string {
	return "fb:tenant:id:" + id
}

func ProviderKey(oid int64) string {
	return fmt.Sprintf("fb:provider:%d", oid)
}

func ProviderIdentifierKey(identifier string) string {
	return "fb:provider:ident:" + identifier
}

func RuntimeKey(oid int64) string {
	return fmt.Sprintf("fb:runtime:%d", oid)
}

func RuntimeIdentifierKey(identifier string) string {
	return "fb:runtime:ident:" + identifier
}

func RuntimeWorkflowKey(runtimeOid, tenantOid int64) string {
	return fmt.Sprintf("fb:rfw:%d:%d", runtimeOid, tenantOid)
}

func FunctionKey(oid int64) string {
	return fmt.Sprintf("fb:fn:%d", oid)
}

func FunctionIdentifierKey(tenantOid int64, identifier string) string {
	return fmt.Sprintf("fb:fn:t:%d:ident:%s", tenantOid, identifier)
}

func FunctionIDKey(id string) string {
	return "fb:fn:id:" + id
}

func FunctionCurrentKey(oid int64) string {
	return fmt.Sprintf("fb:fn:%d:current", oid)
}

func TenantFunctionsKey(tenantOid int64) string {
	return fmt.Sprintf("fb:tenant:%d:fns", tenantOid)
}

func FunctionDeploymentsKey(functionOid int64) string {
	return fmt.Sprintf("fb:fn:%d:deps", functionOid)
}

func FunctionVersionsKey(functionOid int64) string {
	return fmt.Sprintf("fb:fn:%d:versions", functionOid)
}

func FunctionInvocationsKey(functionOid int64) string {
	return fmt.Sprintf("fb:fn:%d:invs", functionOid)
}

func DeploymentKey(oid int64) string {
	return fmt.Sprintf("fb:dep:%d", oid)
}

func DeploymentIDKey(id string) string {
	return "fb:dep:id:" + id
}

func DeploymentStepsKey(deploymentOid int64) string {
	return fmt.Sprintf("fb:dep:%d:steps", deploymentOid)
}

func StepKey(oid int64) string {
	return fmt.Sprintf("fb:step:%d", oid)
}

func BundleKey(oid int64) string {
	return fmt.Sprintf("fb:bundle:%d", oid)
}

func VersionKey(oid int64) string {
	return fmt.Sprintf("fb:ver:%d", oid)
}

func VersionIDKey(id string) string {
	return "fb:ver:id:" + id
}

func InvocationKey(oid int64) string {
	return fmt.Sprintf("fb:inv:%d", oid)
}

func InvocationIDKey(id string) string {
	return "fb:inv:id:" + id
}

func InvocationTimeIndexKey() string {
	return "fb:inv:by_time"
}

func LeaseKey(name string) string {
	return "fb:lease:" + name
}
